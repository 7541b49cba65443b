package main

import (
	"crypto/ed25519"
	"flag"
	"fmt"
	"time"

	"acdcd/internal/config"
)

// Config holds the daemon configuration.
type Config struct {
	// Port is the HTTP API port.
	Port int

	// KeyPath is the path to the Ed25519 private key file.
	KeyPath string

	// PrivateKey is the initial signing key and the witness transport identity.
	PrivateKey ed25519.PrivateKey

	// User is the identifier alias; empty derives a self-addressing prefix.
	User string

	// Witnesses are "prefix@host:port" endpoints or bare prefixes looked up
	// through the resolver.
	Witnesses []string

	// WitnessThreshold is the receipt quorum set at inception.
	WitnessThreshold int

	// Resolvers are the resolver base URLs.
	Resolvers []string

	// DataPath is the directory for persistent storage.
	DataPath string

	// SchemasPath is a directory of JSON schemas, empty for none.
	SchemasPath string

	// ReceiptTimeout bounds one round of witness receipt collection.
	ReceiptTimeout time.Duration

	// ConfirmInterval is the delay between confirmation retries.
	ConfirmInterval time.Duration

	// LogLevel is the minimum log level.
	LogLevel string
}

// parseFlags loads the .env file named by ACDCD_ENV (default .env), then
// parses flags whose defaults come from ACDCD_* variables.
func parseFlags(args []string) (*Config, error) {
	env := config.NewEnv("ACDCD")
	if err := env.LoadFile(); err != nil {
		return nil, err
	}

	cfg := &Config{}

	witnesses := &config.List{Values: env.List("WITNESSES")}
	resolvers := &config.List{Values: env.List("RESOLVERS")}

	fs := flag.NewFlagSet("acdcd", flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", env.Int("PORT", 13434), "HTTP API port")
	fs.StringVar(&cfg.KeyPath, "key", env.String("KEY", "acdcd.key"), "Ed25519 private key path (generated if missing)")
	fs.StringVar(&cfg.User, "user", env.String("USER", ""), "Identifier alias (empty for a self-addressing prefix)")
	fs.Var(witnesses, "witness", "Witness prefix@host:port or prefix (repeatable)")
	fs.IntVar(&cfg.WitnessThreshold, "witness-threshold", env.Int("WITNESS_THRESHOLD", 0), "Witness receipt threshold")
	fs.Var(resolvers, "resolver", "Resolver base URL (repeatable)")
	fs.StringVar(&cfg.DataPath, "data", env.String("DATA", "./data"), "Data directory path")
	fs.StringVar(&cfg.SchemasPath, "schemas", env.String("SCHEMAS", ""), "Directory of JSON schemas")
	fs.DurationVar(&cfg.ReceiptTimeout, "receipt-timeout", env.Duration("RECEIPT_TIMEOUT", 10*time.Second), "Witness receipt collection timeout")
	fs.DurationVar(&cfg.ConfirmInterval, "confirm-interval", env.Duration("CONFIRM_INTERVAL", 5*time.Second), "Retry interval for unconfirmed events")
	fs.StringVar(&cfg.LogLevel, "log-level", env.String("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.Witnesses = witnesses.Values
	cfg.Resolvers = resolvers.Values

	if cfg.WitnessThreshold < 0 || cfg.WitnessThreshold > len(cfg.Witnesses) {
		return nil, fmt.Errorf("witness threshold %d out of range for %d witnesses", cfg.WitnessThreshold, len(cfg.Witnesses))
	}

	return cfg, nil
}
