// Command nebula runs the coordinator, worker nodes, and the query client.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"nebula/internal/home"
	"nebula/internal/logging"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	// Allow all levels; filtering is done by the ComponentFilterHandler.
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo))

	rootCmd := &cobra.Command{
		Use:          "nebula",
		Short:        "Distributed in-memory columnar query engine",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, _ := cmd.Flags().GetString("log-level")
			overrides, _ := cmd.Flags().GetStringSlice("debug-component")
			filter := logging.NewComponentFilterHandler(baseHandler, logging.ParseLevel(level))
			for _, c := range overrides {
				if c = strings.TrimSpace(c); c != "" {
					filter.SetLevel(c, slog.LevelDebug)
				}
			}
			logger = slog.New(filter)
			return nil
		},
	}

	rootCmd.PersistentFlags().String("log-level", "info", "default log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringSlice("debug-component", nil, "components logged at debug regardless of --log-level")
	rootCmd.PersistentFlags().String("home", "", "home directory (default: platform config dir)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(
		newServerCmd(func() *slog.Logger { return logger }),
		newNodeCmd(func() *slog.Logger { return logger }),
		newQueryCmd(),
		versionCmd,
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// resolveHome returns the home directory from the flag, or the platform
// default.
func resolveHome(cmd *cobra.Command) (home.Dir, error) {
	flag, _ := cmd.Flags().GetString("home")
	if flag != "" {
		return home.New(flag), nil
	}
	return home.Default()
}
