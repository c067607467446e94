package natsbus

import (
	"fmt"
	"net"
	"os"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"

	"github.com/mtzanidakis/maestro/internal/config"
)

const readyTimeout = 5 * time.Second

// Bus is an embedded NATS server shared by the engine, agent runtimes and
// the web hub. It only listens on loopback.
type Bus struct {
	ns *natsserver.Server
}

// New starts the embedded server. A port of -1 picks a free one. JetStream
// is enabled when a data dir is configured so backups have something to
// archive.
func New(cfg config.NATSConfig) (*Bus, error) {
	opts := &natsserver.Options{
		ServerName: "maestro",
		Host:       "127.0.0.1",
		Port:       cfg.Port,
		NoLog:      true,
		NoSigs:     true,
	}
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create nats data dir: %w", err)
		}
		opts.JetStream = true
		opts.StoreDir = cfg.DataDir
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}
	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("nats server not ready after %s", readyTimeout)
	}
	return &Bus{ns: ns}, nil
}

func (b *Bus) ClientURL() string { return b.ns.ClientURL() }

// Port reports the port the server actually bound.
func (b *Bus) Port() int {
	if addr, ok := b.ns.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

func (b *Bus) Close() {
	b.ns.Shutdown()
	b.ns.WaitForShutdown()
}
