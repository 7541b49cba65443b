package main

import (
	"fmt"
	"os"

	"acdcd/internal/config"
	"acdcd/internal/logger"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run(args []string) error {
	cfg, err := parseFlags(args)
	if err != nil {
		return err
	}

	logger.Init(cfg.LogLevel)

	cfg.PrivateKey, err = config.LoadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	daemon, err := NewDaemon(cfg)
	if err != nil {
		return fmt.Errorf("create daemon:\n%w", err)
	}

	printStartupInfo(daemon)

	return daemon.Run()
}

// printStartupInfo displays the daemon configuration at startup.
func printStartupInfo(d *Daemon) {
	logger.Info("starting acdcd",
		"prefix", d.controller.Prefix(),
		"port", d.cfg.Port,
		"data", d.cfg.DataPath,
		"witnesses", len(d.cfg.Witnesses),
		"bt", d.cfg.WitnessThreshold,
		"resolvers", len(d.cfg.Resolvers),
	)
}
