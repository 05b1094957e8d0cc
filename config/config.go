package config

import (
	"errors"
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/nixxel-company-limited/escpos-serial-printer/printer"
)

// Keys double as environment variable names.
const (
	KeyPrinterPort     = "PRINTER_PORT"
	KeyPrinterBaudRate = "PRINTER_BAUD_RATE"
	KeyPrinterAutoOpen = "PRINTER_AUTO_OPEN"
	KeyServerAddress   = "SERVER_ADDRESS"
	KeyLogLevel        = "LOG_LEVEL"
)

// Config is the process configuration
type Config struct {
	Printer       printer.Config
	ServerAddress string
	LogLevel      zapcore.Level
}

// Flags registers the command line flags that override the environment.
func Flags(fs *pflag.FlagSet) {
	fs.String("port", "", "printer serial port or usb path (env PRINTER_PORT)")
	fs.Int("baud", 9600, "serial baud rate (env PRINTER_BAUD_RATE)")
	fs.Bool("auto-open", true, "open the printer at startup (env PRINTER_AUTO_OPEN)")
	fs.String("address", "localhost:9100", "raw print server listen address (env SERVER_ADDRESS)")
	fs.String("log-level", "info", "log level (env LOG_LEVEL)")
}

// Load reads configuration from flags, then environment, then defaults.
// fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault(KeyPrinterBaudRate, 9600)
	v.SetDefault(KeyPrinterAutoOpen, true)
	v.SetDefault(KeyServerAddress, "localhost:9100")
	v.SetDefault(KeyLogLevel, "info")

	if fs != nil {
		for key, flag := range map[string]string{
			KeyPrinterPort:     "port",
			KeyPrinterBaudRate: "baud",
			KeyPrinterAutoOpen: "auto-open",
			KeyServerAddress:   "address",
			KeyLogLevel:        "log-level",
		} {
			if f := fs.Lookup(flag); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", flag, err)
				}
			}
		}
	}

	cfg := &Config{
		Printer: printer.Config{
			PortPath: v.GetString(KeyPrinterPort),
			BaudRate: v.GetInt(KeyPrinterBaudRate),
			AutoOpen: v.GetBool(KeyPrinterAutoOpen),
		},
		ServerAddress: v.GetString(KeyServerAddress),
	}

	if cfg.Printer.BaudRate <= 0 {
		return nil, fmt.Errorf("invalid baud rate %d", cfg.Printer.BaudRate)
	}

	level, err := zapcore.ParseLevel(v.GetString(KeyLogLevel))
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	cfg.LogLevel = level

	return cfg, nil
}

// Validate checks the settings needed to talk to a printer.
func (c *Config) Validate() error {
	if c.Printer.PortPath == "" {
		return errors.New("no printer port configured: set PRINTER_PORT or --port")
	}
	return nil
}
