package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Zereker/netframe"
	"github.com/spf13/cobra"
)

func chatCmd(logger func() netframe.Logger) *cobra.Command {
	var (
		host    string
		port    int
		pubPath string
		secret  string
		nick    string
		tick    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Connect to a chat server and send stdin lines",
		Long: `Connect to a netframe chat server. Every line read from stdin is
sent as a chat message and every relayed message is printed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := []netframe.Option{
				netframe.RegistryOption(newRegistry()),
				netframe.LoggerOption(logger()),
				netframe.OnConnectedOption(func(connID int) {
					success("Connected as client %d", connID)
				}),
				netframe.OnDisconnectedOption(func(int) {
					info("disconnected")
					stop()
				}),
				netframe.OnConnectFailedOption(func(err error) {
					fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m connect failed: %s\n", err)
					stop()
				}),
			}

			if pubPath != "" {
				key, err := netframe.LoadPublicKey(pubPath)
				if err != nil {
					return err
				}
				opts = append(opts, netframe.ClientSecurityOption(key, secret))
			}

			client, err := netframe.NewClient(opts...)
			if err != nil {
				return err
			}

			netframe.ClientHandle(client, func(m *chatMessage) {
				fmt.Printf("[%d] %s: %s\n", m.From, m.Nick, m.Text)
			})

			if err := client.Connect(host, port); err != nil {
				return err
			}
			defer client.Disconnect()

			go func() {
				scanner := bufio.NewScanner(os.Stdin)
				for scanner.Scan() {
					if err := client.Send(&chatMessage{Nick: nick, Text: scanner.Text()}); err != nil {
						fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
					}
				}
				stop()
			}()

			return pump(ctx, tick, client.Run)
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Server host")
	cmd.Flags().IntVarP(&port, "port", "p", 12345, "Server port")
	cmd.Flags().StringVar(&pubPath, "pub", "", "Public key PEM file for the token handshake")
	cmd.Flags().StringVar(&secret, "secret", "", "Shared secret sent in the token")
	cmd.Flags().StringVarP(&nick, "name", "n", "anon", "Name shown to other clients")
	cmd.Flags().DurationVar(&tick, "tick", 10*time.Millisecond, "Interval between event dispatch passes")

	return cmd
}
