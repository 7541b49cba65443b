package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"acdcd/internal/config"
	"acdcd/internal/kel"
	"acdcd/internal/logger"
	"acdcd/internal/network"
	"acdcd/internal/resolver"
	"acdcd/internal/signing"
	"acdcd/internal/storage"
	"acdcd/internal/witness"
)

// Config holds the witness configuration.
type Config struct {
	QUICAddress string   // QUICAddress is the QUIC listen address
	Advertise   string   // Advertise is the address registered with resolvers, QUICAddress when empty
	KeyPath     string   // KeyPath is the Ed25519 private key file
	DataPath    string   // DataPath is the directory for persistent storage
	Resolvers   []string // Resolvers receive the witness endpoint registration
	LogLevel    string   // LogLevel is the minimum log level
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (*Config, error) {
	env := config.NewEnv("WITNESS")
	if err := env.LoadFile(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	resolvers := &config.List{Values: env.List("RESOLVERS")}

	fs := flag.NewFlagSet("witness", flag.ContinueOnError)
	fs.StringVar(&cfg.QUICAddress, "quic", env.String("QUIC", ":13435"), "QUIC listen address")
	fs.StringVar(&cfg.Advertise, "advertise", env.String("ADVERTISE", ""), "Address announced to resolvers")
	fs.StringVar(&cfg.KeyPath, "key", env.String("KEY", "witness.key"), "Ed25519 private key path (generated if missing)")
	fs.StringVar(&cfg.DataPath, "data", env.String("DATA", "./witness-data"), "Data directory path")
	fs.Var(resolvers, "resolver", "Resolver base URL to register with (repeatable)")
	fs.StringVar(&cfg.LogLevel, "log-level", env.String("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.Resolvers = resolvers.Values

	if cfg.Advertise == "" {
		cfg.Advertise = cfg.QUICAddress
	}

	return cfg, nil
}

// run starts the witness and blocks until a signal.
func run(args []string) error {
	cfg, err := parseFlags(args)
	if err != nil {
		return err
	}

	logger.Init(cfg.LogLevel)

	key, err := config.LoadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	if err := os.MkdirAll(cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.New(cfg.DataPath + "/db")
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}
	defer db.Close()

	node, err := network.NewNode(network.Config{PrivateKey: key, ListenAddr: cfg.QUICAddress})
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}
	defer node.Close()

	signer := signing.NewSigner(key)
	handler := witness.NewHandler(kel.NewLog(db), signer)
	handler.Register(node)

	if err := node.Start(); err != nil {
		return fmt.Errorf("start network:\n%w", err)
	}

	endpoint := witness.Endpoint{Prefix: handler.Prefix(), Addr: cfg.Advertise}

	logger.Info("witness started", "endpoint", endpoint.String())

	if err := register(cfg.Resolvers, signer, endpoint); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return nil
}

// register announces the witness endpoint to the configured resolvers.
func register(urls []string, signer signing.Signer, endpoint witness.Endpoint) error {
	if len(urls) == 0 {
		return nil
	}

	client, err := resolver.NewClient(resolver.ClientConfig{URLs: urls, Retries: 10, Interval: time.Second})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := client.RegisterWitness(ctx, resolver.NewWitnessRegistration(signer, endpoint.String())); err != nil {
		return fmt.Errorf("register with resolvers:\n%w", err)
	}

	logger.Info("witness registered", "resolvers", len(urls))

	return nil
}
