package main

import (
	"fmt"
	"os"

	"github.com/dkeye/Mesh/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	flagServer string
	flagHTTP   string
)

var rootCmd = &cobra.Command{
	Use:   "mesh",
	Short: "Join a room and talk to every participant over direct WebRTC links",
	Long: `mesh is the command-line participant of a Mesh relay. The relay only
forwards negotiation messages; audio and video travel on one direct
peer connection per participant.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "", "relay websocket url (overrides server_url)")
	rootCmd.PersistentFlags().StringVar(&flagHTTP, "http", "", "relay http url (overrides http_url)")
	rootCmd.AddCommand(createCmd, checkCmd, joinCmd)
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig applies the command-line overrides on top of the config file.
func loadConfig() (*config.ClientConfig, error) {
	cfg, err := config.LoadClient()
	if err != nil {
		return nil, err
	}
	if flagServer != "" {
		cfg.ServerURL = flagServer
	}
	if flagHTTP != "" {
		cfg.HTTPURL = flagHTTP
	}
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	return cfg, nil
}
