package natsbus

import (
	"errors"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// StartEmbedded starts an in-process NATS server with JetStream stored under
// storeDir. It opens no network ports.
func StartEmbedded(storeDir string, logger zerolog.Logger) (*server.Server, error) {
	logger.Debug().Str("store_dir", storeDir).Msg("Starting embedded NATS server")

	ns, err := server.NewServer(&server.Options{
		JetStream:  true,
		StoreDir:   storeDir,
		DontListen: true,
	})
	if err != nil {
		return nil, err
	}

	go ns.Start()

	if !ns.ReadyForConnections(4 * time.Second) {
		ns.Shutdown()
		return nil, errors.New("nats server failed to start within timeout")
	}
	logger.Debug().Msg("NATS server ready for connections")
	return ns, nil
}

// ConnectInProcess connects to an embedded server without the network
func ConnectInProcess(ns *server.Server) (*nats.Conn, error) {
	return nats.Connect("", nats.InProcessServer(ns), nats.Name("appgen"))
}

// shutdown drains nc, then stops ns, each bounded so Close cannot hang
func shutdown(nc *nats.Conn, ns *server.Server, logger zerolog.Logger) error {
	if nc != nil {
		drained := make(chan error, 1)
		go func() {
			drained <- nc.Drain()
		}()

		select {
		case err := <-drained:
			if err != nil {
				logger.Warn().Err(err).Msg("NATS drain failed, forcing close")
				nc.Close()
			}
		case <-time.After(2 * time.Second):
			logger.Warn().Msg("NATS drain timed out, forcing close")
			nc.Close()
		}
	}

	if ns != nil {
		ns.Shutdown()

		stopped := make(chan struct{})
		go func() {
			ns.WaitForShutdown()
			close(stopped)
		}()

		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			return errors.New("nats server shutdown timed out")
		}
	}
	return nil
}
