package socks5

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/denisvmedia/go-proxycore/service"
)

// Direction of a relayed datagram. Southbound packets travel from the
// client toward the destination; northbound packets travel back.
type Direction int

const (
	Southbound Direction = iota
	Northbound
)

func (d Direction) String() string {
	if d == Southbound {
		return "southbound"
	}
	return "northbound"
}

// Packet is one datagram passing through the relay, presented to the
// Inspector before transmission. For southbound packets Destination is
// where the client wants it sent; for northbound packets it is the
// upstream source that will be encapsulated toward the client.
type Packet struct {
	Direction   Direction
	Destination Address
	Payload     []byte
}

// Action is an Inspector verdict.
type Action int

const (
	// ActionPass forwards the packet, including any mutation the
	// inspector applied to the payload.
	ActionPass Action = iota
	// ActionDrop silently discards the packet.
	ActionDrop
)

// Inspector examines each relayed datagram. Implementations may mutate
// the packet payload in place before returning ActionPass. An inspector
// that needs to wait (lookups, rate limits) may block; the relay calls it
// from the pump goroutine of the corresponding direction only.
type Inspector interface {
	Inspect(ctx context.Context, pkt *Packet) (Action, error)
}

// InspectorFunc adapts a function to the Inspector interface.
type InspectorFunc func(ctx context.Context, pkt *Packet) (Action, error)

// Inspect implements Inspector.
func (f InspectorFunc) Inspect(ctx context.Context, pkt *Packet) (Action, error) {
	return f(ctx, pkt)
}

// identityInspector passes every packet untouched.
var identityInspector = InspectorFunc(func(_ context.Context, _ *Packet) (Action, error) {
	return ActionPass, nil
})

// UDPRelay implements UDP ASSOCIATE: a north socket facing the client, a
// south socket facing upstreams, and a relay loop bridging the two until
// the TCP control stream closes or the idle timeout fires.
type UDPRelay struct {
	// NorthAddr and SouthAddr are the local UDP addresses to bind.
	// Empty selects an ephemeral port on all interfaces.
	NorthAddr string
	SouthAddr string

	// Buffer sizes for the two sockets, in bytes. Zero means 2048.
	NorthBufferSize int
	SouthBufferSize int

	// IdleTimeout terminates the association when no datagram moves in
	// either direction for this long. Zero disables the timeout.
	IdleTimeout time.Duration

	// Inspector sees every packet in both directions. Nil passes all.
	Inspector Inspector

	// Resolver resolves domain destinations. Nil uses the system
	// resolver.
	Resolver Resolver
}

func (r *UDPRelay) northBufferSize() int {
	if r.NorthBufferSize > 0 {
		return r.NorthBufferSize
	}
	return 2048
}

func (r *UDPRelay) southBufferSize() int {
	if r.SouthBufferSize > 0 {
		return r.SouthBufferSize
	}
	return 2048
}

func (r *UDPRelay) inspector() Inspector {
	if r.Inspector != nil {
		return r.Inspector
	}
	return identityInspector
}

func (r *UDPRelay) resolver() Resolver {
	if r.Resolver != nil {
		return r.Resolver
	}
	return &NetResolver{}
}

func bindUDP(addr string) (*net.UDPConn, error) {
	if addr == "" {
		addr = ":0"
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp", udpAddr)
}

// AcceptUDPAssociate implements UDPAssociator.
func (r *UDPRelay) AcceptUDPAssociate(ctx *service.Context, conn net.Conn, dst Address) error {
	logger := slog.Default().With(
		"in", "socks5.UDPRelay.AcceptUDPAssociate",
		"client_addr", conn.RemoteAddr(),
	)

	north, err := bindUDP(r.NorthAddr)
	if err != nil {
		if werr := writeReply(conn, ReplyGeneralFailure, Address{}); werr != nil {
			return ioError(werr).withContext("write server reply: udp bind failed")
		}
		return serviceError(err).withContext("bind north socket").withReply(ReplyGeneralFailure)
	}
	defer north.Close()

	south, err := bindUDP(r.SouthAddr)
	if err != nil {
		if werr := writeReply(conn, ReplyGeneralFailure, Address{}); werr != nil {
			return ioError(werr).withContext("write server reply: udp bind failed")
		}
		return serviceError(err).withContext("bind south socket").withReply(ReplyGeneralFailure)
	}
	defer south.Close()

	if err := writeReply(conn, ReplySucceeded, AddressFromAddr(north.LocalAddr())); err != nil {
		return ioError(err).withContext("write server reply: udp associate succeeded")
	}

	logger.Debug("udp association established",
		"north", north.LocalAddr(),
		"south", south.LocalAddr(),
	)

	relayCtx, cancel := context.WithCancel(ctx.Std())
	defer cancel()

	lastActivity := atomic.NewInt64(time.Now().UnixNano())
	touch := func() { lastActivity.Store(time.Now().UnixNano()) }

	// Closing the sockets unblocks the pump reads on cancel; the punted
	// deadline unblocks the control-stream watcher the same way.
	go func() {
		<-relayCtx.Done()
		north.Close()
		south.Close()
		conn.SetReadDeadline(time.Unix(1, 0))
	}()

	group, groupCtx := errgroup.WithContext(relayCtx)

	// Control stream: any read, including EOF, terminates the session.
	group.Go(func() error {
		buf := make([]byte, 1)
		conn.Read(buf)
		cancel()
		return nil
	})

	// Client address is latched on the first southbound datagram (the
	// first one received on the north socket); packets from other
	// sources are discarded.
	var clientAddr atomic.Value

	group.Go(func() error {
		return r.pumpSouthbound(groupCtx, logger, north, south, &clientAddr, touch)
	})
	group.Go(func() error {
		return r.pumpNorthbound(groupCtx, logger, north, south, &clientAddr, touch)
	})

	if r.IdleTimeout > 0 {
		group.Go(func() error {
			ticker := time.NewTicker(r.IdleTimeout / 4)
			defer ticker.Stop()
			for {
				select {
				case <-groupCtx.Done():
					return nil
				case <-ticker.C:
					idle := time.Since(time.Unix(0, lastActivity.Load()))
					if idle >= r.IdleTimeout {
						logger.Debug("udp association idle, terminating", "idle", idle)
						cancel()
						return nil
					}
				}
			}
		})
	}

	err = group.Wait()
	if err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, context.Canceled) {
		return serviceError(err).withContext("udp relay")
	}
	return nil
}

// pumpSouthbound moves datagrams client → destination.
func (r *UDPRelay) pumpSouthbound(
	ctx context.Context,
	logger *slog.Logger,
	north, south *net.UDPConn,
	clientAddr *atomic.Value,
	touch func(),
) error {
	buf := make([]byte, r.northBufferSize())
	for {
		n, src, err := north.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		touch()

		if prev, ok := clientAddr.Load().(*net.UDPAddr); !ok {
			clientAddr.Store(src)
		} else if !prev.IP.Equal(src.IP) || prev.Port != src.Port {
			logger.Debug("dropping datagram from unexpected source", "source", src)
			continue
		}

		dgram, err := parseDatagram(buf[:n])
		if err != nil {
			logger.Debug("dropping malformed datagram", "error", err)
			continue
		}

		pkt := &Packet{Direction: Southbound, Destination: dgram.Destination, Payload: dgram.Payload}
		action, err := r.inspector().Inspect(ctx, pkt)
		if err != nil {
			return err
		}
		if action == ActionDrop {
			continue
		}

		target, err := r.resolveTarget(ctx, pkt.Destination)
		if err != nil {
			// Failure affects the packet, not the session.
			logger.Debug("destination unresolvable, dropping datagram",
				"destination", pkt.Destination.String(),
				"error", err,
			)
			continue
		}

		if _, err := south.WriteToUDP(pkt.Payload, target); err != nil {
			return err
		}
	}
}

// pumpNorthbound moves datagrams destination → client, re-encapsulating
// the upstream source as the datagram's address field.
func (r *UDPRelay) pumpNorthbound(
	ctx context.Context,
	logger *slog.Logger,
	north, south *net.UDPConn,
	clientAddr *atomic.Value,
	touch func(),
) error {
	buf := make([]byte, r.southBufferSize())
	for {
		n, src, err := south.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		touch()

		client, ok := clientAddr.Load().(*net.UDPAddr)
		if !ok {
			logger.Debug("dropping northbound datagram before first client packet", "source", src)
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		pkt := &Packet{
			Direction:   Northbound,
			Destination: AddressFromAddr(src),
			Payload:     payload,
		}
		action, err := r.inspector().Inspect(ctx, pkt)
		if err != nil {
			return err
		}
		if action == ActionDrop {
			continue
		}

		wire, err := marshalDatagram(Datagram{Destination: pkt.Destination, Payload: pkt.Payload})
		if err != nil {
			logger.Debug("dropping unencodable datagram", "error", err)
			continue
		}
		if _, err := north.WriteToUDP(wire, client); err != nil {
			return err
		}
	}
}

func (r *UDPRelay) resolveTarget(ctx context.Context, dst Address) (*net.UDPAddr, error) {
	if ip := net.ParseIP(dst.Host); ip != nil {
		return &net.UDPAddr{IP: ip, Port: int(dst.Port)}, nil
	}
	ip, err := r.resolver().Resolve(ctx, dst.Host)
	if err != nil {
		return nil, err
	}
	return &net.UDPAddr{IP: ip, Port: int(dst.Port)}, nil
}
