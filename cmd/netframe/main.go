package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/Zereker/netframe"
	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var verbose, quiet bool

	rootCmd := &cobra.Command{
		Use:   "netframe",
		Short: "Length-framed TCP messaging tools",
		Long: `netframe runs a chat server and client over the netframe transport.

  • keygen writes the RSA key pair used by the token handshake
  • serve starts a server that relays chat lines between clients
  • chat connects to a server and sends stdin lines`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Disable transport logging")

	logger := func() netframe.Logger {
		if quiet {
			return netframe.NopLogger()
		}
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}

	// Add commands
	rootCmd.AddCommand(
		keygenCmd(),
		serveCmd(logger),
		chatCmd(logger),
		versionCmd(),
	)

	// Execute
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
		os.Exit(1)
	}
}

// success prints a success message.
func success(format string, args ...any) {
	fmt.Printf("\033[32m✓\033[0m %s\n", fmt.Sprintf(format, args...))
}

// info prints an info message.
func info(format string, args ...any) {
	fmt.Printf("  %s\n", fmt.Sprintf(format, args...))
}
