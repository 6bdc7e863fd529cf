package main

import (
	"errors"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jjshanks/asset-server/internal/config"
	"github.com/jjshanks/asset-server/internal/server"
)

func newRootCmd() *cobra.Command {
	var (
		cfgFile string
		cfg     *config.Config
	)

	cmd := &cobra.Command{
		Use:   "asset-server",
		Short: "Static asset server",
		Long: `Serves a directory of pre-built assets over HTTP with path traversal
protection, conditional GET support, liveness and readiness probes, and a
graceful shutdown on SIGINT or SIGTERM.`,
		SilenceUsage: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := viper.BindPFlags(cmd.Flags()); err != nil {
				return err
			}

			loaded, err := config.LoadConfig(cfgFile)
			if err != nil {
				return err
			}

			if err := loaded.Validate(); err != nil {
				return err
			}

			loaded.InitializeLogging()
			cfg = loaded
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := server.NewServer(cfg)
			if err != nil {
				return err
			}
			return srv.Run()
		},
	}

	// Persistent flags belong to all commands
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	cmd.PersistentFlags().String("log-level", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	cmd.PersistentFlags().Bool("console", false, "Use console log format instead of JSON")

	// Local flags for the root command
	cmd.Flags().String("root", "dist/public", "Directory of assets to serve")
	cmd.Flags().String("address", "0.0.0.0:3000", "The address and port to listen on")
	cmd.Flags().Int("port", 0, "Port to listen on, overriding the port in --address (also read from PORT)")
	cmd.Flags().String("keep-alive-timeout", "5s", "Idle keep-alive timeout (duration or milliseconds)")
	cmd.Flags().String("headers-timeout", "7s", "Time allowed to read request headers (duration or milliseconds)")
	cmd.Flags().String("graceful-timeout", "5s", "Grace period before open connections are force-closed on shutdown")
	cmd.Flags().String("cert-file", "", "Path to the TLS certificate file; enables HTTPS together with --key-file")
	cmd.Flags().String("key-file", "", "Path to the TLS key file")
	cmd.Flags().Bool("metrics", false, "Enable the request rate and scheduler lag sampler and the /metrics endpoint")
	cmd.Flags().Int("metrics-sample", 1000, "Scheduler lag sample interval in milliseconds")
	cmd.Flags().Int("metrics-threshold", 50, "Scheduler lag warning threshold in milliseconds")
	cmd.Flags().String("tracing-endpoint", "", "OTLP gRPC endpoint for traces; tracing is off when empty")
	cmd.Flags().Bool("tracing-insecure", false, "Connect to the tracing endpoint without TLS")

	return cmd
}

func init() {
	// Configure default zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if errors.Is(err, server.ErrForcedShutdown) {
			log.Warn().Err(err).Msg("Shut down with open connections")
			os.Exit(1)
		}
		log.Fatal().Err(err).Msg("Error executing command")
	}
}
