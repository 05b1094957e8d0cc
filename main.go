package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/nixxel-company-limited/escpos-serial-printer/adapter"
	"github.com/nixxel-company-limited/escpos-serial-printer/config"
	"github.com/nixxel-company-limited/escpos-serial-printer/escpos"
	"github.com/nixxel-company-limited/escpos-serial-printer/printer"
	"github.com/nixxel-company-limited/escpos-serial-printer/server"
)

func main() {
	list := pflag.Bool("list", false, "list serial ports and exit")
	testPage := pflag.Bool("test-page", false, "print a test receipt and exit")
	config.Flags(pflag.CommandLine)
	pflag.Parse()

	if *list {
		if err := listPorts(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(pflag.CommandLine)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	p, err := printer.New(cfg.Printer, printer.WithLogger(logger))
	if err != nil {
		logger.Fatal("failed to create printer", zap.Error(err))
	}

	if *testPage {
		if err := printTestPage(p); err != nil {
			logger.Fatal("test page failed", zap.Error(err))
		}
		return
	}

	svr := server.NewWithLogger(p, cfg.ServerAddress, logger)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		logger.Info("shutting down", zap.Stringer("signal", sig))
		if err := svr.Stop(); err != nil {
			logger.Error("shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("server will listen", zap.String("address", cfg.ServerAddress))
	if err := svr.Start(); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)
	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

func listPorts() error {
	ports, err := adapter.ListSerialPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("no serial ports found")
		return nil
	}
	for _, port := range ports {
		if port.IsUSB {
			fmt.Printf("%s\tusb %s:%s %s %s\n", port.Name, port.VID, port.PID, port.SerialNumber, port.Product)
		} else {
			fmt.Println(port.Name)
		}
	}
	return nil
}

func printTestPage(p *printer.Printer) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	defer p.Close(context.Background())

	p.Init().
		Align(escpos.AlignCenter).
		Size(escpos.SizeDouble, "TEST PAGE").
		Text(time.Now().Format("2006-01-02 15:04:05")).
		Align(escpos.AlignLeft).
		Text(fmt.Sprintf("port: %s", p.Config().PortPath)).
		Text(fmt.Sprintf("baud: %d", p.Config().BaudRate)).
		Bold("ESC/POS OK").
		Feed(4).
		Cut(escpos.CutPartial)

	return p.Print(ctx)
}
