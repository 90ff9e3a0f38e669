package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Zereker/netframe"
	"github.com/spf13/cobra"
)

func serveCmd(logger func() netframe.Logger) *cobra.Command {
	var (
		port        int
		maxClients  int
		keyPath     string
		secret      string
		metricsAddr string
		tick        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a chat relay server",
		Long: `Run a server that relays every chat line to all other clients.

With --key the server requires each client to present a token encrypted
with the matching public key. With --metrics it serves Prometheus
metrics and a JSON list of connected clients on the given address.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger()

			opts := []netframe.Option{
				netframe.RegistryOption(newRegistry()),
				netframe.LoggerOption(log),
			}

			if keyPath != "" {
				key, err := netframe.LoadPrivateKey(keyPath)
				if err != nil {
					return err
				}
				opts = append(opts, netframe.ServerSecurityOption(key, secret))
			}

			if metricsAddr != "" {
				opts = append(opts, netframe.MetricsOption(netframe.NewMetrics(netframe.MetricsConfig{
					Subsystem: "server",
				})))
			}

			var server *netframe.Server
			opts = append(opts,
				netframe.OnConnectedOption(func(connID int) {
					addr, _ := server.ClientAddress(connID)
					info("client %d connected from %v", connID, addr)
				}),
				netframe.OnDisconnectedOption(func(connID int) {
					info("client %d disconnected", connID)
				}),
			)

			server, err := netframe.NewServer(opts...)
			if err != nil {
				return err
			}

			// Relay
			netframe.ServerHandle(server, func(connID int, m *chatMessage) {
				m.From = int32(connID)
				if err := server.SendAllExcept(m, connID); err != nil {
					log.Warn("relay failed", "conn_id", connID, "error", err)
				}
			})

			if err := server.Start(port, maxClients); err != nil {
				return err
			}
			defer server.Stop()

			if metricsAddr != "" {
				srv := &http.Server{Addr: metricsAddr, Handler: adminRouter(server), ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						log.Error("admin server failed", "error", err)
					}
				}()
				defer srv.Close()
				info("metrics on http://%s/metrics", metricsAddr)
			}

			success("Listening on %s", server.Addr())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return pump(ctx, tick, server.Run)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 12345, "TCP port to listen on")
	cmd.Flags().IntVar(&maxClients, "max-clients", 0, "Maximum concurrent clients (0 means unlimited)")
	cmd.Flags().StringVar(&keyPath, "key", "", "Private key PEM file enabling token validation")
	cmd.Flags().StringVar(&secret, "secret", "", "Shared secret expected in client tokens")
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "Address for /metrics and /clients, e.g. :9100")
	cmd.Flags().DurationVar(&tick, "tick", 10*time.Millisecond, "Interval between event dispatch passes")

	return cmd
}

// pump drains events every tick until ctx is done.
func pump(ctx context.Context, tick time.Duration, run func(limit int) int) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			run(1000)
		}
	}
}
