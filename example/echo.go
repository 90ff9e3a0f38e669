package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Zereker/netframe"
)

// echoMessage carries one line of text.
type echoMessage struct {
	Text string
}

func (*echoMessage) Name() string { return "Echo" }

func (m *echoMessage) Write(w *netframe.Writer) {
	w.WriteString(m.Text)
}

func (m *echoMessage) Read(r *netframe.Reader) error {
	m.Text = r.ReadString()
	return r.Err()
}

func main() {
	registry := netframe.NewRegistry().MustRegister(
		func() netframe.Message { return &echoMessage{} },
	)

	server, err := netframe.NewServer(
		netframe.RegistryOption(registry),
		netframe.OnConnectedOption(func(connID int) {
			slog.Info("client connected", "conn_id", connID)
		}),
		netframe.OnDisconnectedOption(func(connID int) {
			slog.Info("client disconnected", "conn_id", connID)
		}),
	)
	if err != nil {
		slog.Error("failed to create server", "error", err)
		return
	}

	// Echo
	netframe.ServerHandle(server, func(connID int, m *echoMessage) {
		if err := server.Send(m, connID); err != nil {
			slog.Error("echo failed", "conn_id", connID, "error", err)
		}
	})

	if err = server.Start(12345, 100); err != nil {
		slog.Error("failed to start server", "error", err)
		return
	}
	defer server.Stop()

	// Handle graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("server start", "addr", server.Addr().String())

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("shutting down server...")
			return
		case <-ticker.C:
			server.Run(1000)
		}
	}
}
