package helper

import (
	"io"
	"log/slog"
)

// Transfer bidirectionally copies between two connections until either
// side fails or reaches EOF, then closes both. The first error (if any)
// is returned; a clean EOF yields nil.
func Transfer(logger *slog.Logger, server, client io.ReadWriteCloser) error {
	done := make(chan struct{})
	defer close(done)

	errChan := make(chan error, 1)
	go func() {
		_, err := io.Copy(server, client)
		logger.Debug("client copy end", "error", err)
		client.Close()
		server.Close()
		select {
		case <-done:
		case errChan <- err:
		}
	}()
	go func() {
		_, err := io.Copy(client, server)
		logger.Debug("server copy end", "error", err)
		server.Close()
		client.Close()
		select {
		case <-done:
		case errChan <- err:
		}
	}()

	return <-errChan
}
