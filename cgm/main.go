package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/itohio/gocgm/pkg/config"
	"github.com/itohio/gocgm/pkg/device"
)

type options struct {
	configPath string
	port       string
	baudRate   int
	mock       bool
	listen     string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:          "cgm",
		Short:        "Continuous glucose monitor stream processor",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "config.yaml", "configuration file path")
	root.PersistentFlags().StringVarP(&opts.port, "port", "p", "", "serial port override (e.g. COM3 or /dev/rfcomm0)")
	root.PersistentFlags().IntVar(&opts.baudRate, "baud", 0, "baud rate override")
	root.PersistentFlags().BoolVar(&opts.mock, "mock", false, "use a simulated sensor instead of the serial port")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newPortsCmd())
	root.AddCommand(newSendCmd(opts))

	return root
}

// loadConfig reads the configuration file and applies flag overrides.
func loadConfig(opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	if opts.port != "" {
		cfg.Serial.Port = opts.port
	}
	if opts.baudRate > 0 {
		cfg.Serial.BaudRate = opts.baudRate
	}
	if opts.listen != "" {
		cfg.Server.ListenAddr = opts.listen
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}

	if err := setupLogging(cfg.Log.Level); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(level string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	return nil
}

func newDialer(cfg *config.Config, mock bool) device.Dialer {
	if mock {
		return device.NewMock(&cfg.Mock)
	}
	return device.NewSerial(cfg.Serial.Port, cfg.Serial.BaudRate)
}
