package http2srv

import (
	"sync"
	"time"
)

// bdpEstimator sizes flow-control windows from keep-alive ping round
// trips: the bytes received between a PING and its PONG sample the
// bandwidth-delay product. When a sample reaches at least half the
// current window the window grows to twice the sample, up to maxWindow.
//
// Data samples arrive on the connection task while pings run on the
// keep-alive task, so the estimator locks internally.
type bdpEstimator struct {
	mu     sync.Mutex
	window uint32

	sample   uint32
	pingSent time.Time
	inFlight bool

	// rtt is an exponentially weighted moving average, kept for the
	// ramp-down guard: samples measured over an unusually slow round
	// trip are discarded.
	rtt float64
}

func newBDPEstimator(initialWindow uint32) *bdpEstimator {
	if initialWindow == 0 {
		initialWindow = initialWindowSize
	}
	return &bdpEstimator{window: initialWindow}
}

// currentWindow returns the estimator's window.
func (e *bdpEstimator) currentWindow() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.window
}

// onPingSent starts a sampling interval.
func (e *bdpEstimator) onPingSent(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pingSent = now
	e.sample = 0
	e.inFlight = true
}

// onData accumulates inbound payload bytes into the current sample.
func (e *bdpEstimator) onData(n uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight {
		e.sample += n
	}
}

// onPong completes a sampling interval. It returns the new window and
// true when the estimate grew.
func (e *bdpEstimator) onPong(now time.Time) (uint32, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.inFlight {
		return 0, false
	}
	e.inFlight = false

	rttSample := now.Sub(e.pingSent).Seconds()
	if e.rtt == 0 {
		e.rtt = rttSample
	} else {
		e.rtt += (rttSample - e.rtt) / 8
	}

	if e.window >= maxWindow {
		return 0, false
	}
	// A slow outlier round trip inflates the sample without implying a
	// larger BDP.
	if e.rtt > 0 && rttSample > e.rtt*2 {
		return 0, false
	}
	if e.sample*2 < e.window {
		return 0, false
	}

	next := e.sample * 2
	if next < e.window {
		next = e.window
	}
	if next > maxWindow {
		next = maxWindow
	}
	if next == e.window {
		return 0, false
	}
	e.window = next
	return next, true
}
