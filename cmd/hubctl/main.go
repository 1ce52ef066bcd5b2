package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	app := &app{}

	rootCmd := &cobra.Command{
		Use:   "hubctl",
		Short: "Send, receive and process events over a recoverable AMQP connection",
		Long: `hubctl talks to an Event Hubs namespace, or a RabbitMQ broker exposing
streams, through connections and links that rebuild themselves after faults.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.setup()
		},
	}

	// Global flags
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&app.flags.configPath, "config", "c", "", "Path to YAML configuration file")
	flags.StringSliceVar(&app.flags.envFiles, "env-file", []string{".env"}, "Environment files loaded before the configuration")
	flags.StringVar(&app.flags.connectionString, "connection-string", "", "Namespace connection string (overrides configuration)")
	flags.StringVarP(&app.flags.namespace, "namespace", "n", "", "Namespace host or amqp(s):// URL (overrides configuration)")
	flags.StringVarP(&app.flags.eventHub, "event-hub", "e", "", "Default event hub (overrides configuration)")
	flags.StringVarP(&app.flags.transport, "transport", "t", "", "Transport: amqp, websocket or rabbitmq")
	flags.StringVar(&app.flags.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	flags.StringVar(&app.flags.metricsAddr, "metrics-addr", "", "Serve /metrics and health endpoints on this address")

	rootCmd.AddCommand(
		newSendCommand(app),
		newReceiveCommand(app),
		newPeekCommand(app),
		newProcessCommand(app),
		newPropertiesCommand(app),
	)
	return rootCmd
}
