package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"acdcd/internal/api"
	"acdcd/internal/attest"
	"acdcd/internal/kel"
	"acdcd/internal/logger"
	"acdcd/internal/network"
	"acdcd/internal/resolver"
	"acdcd/internal/signing"
	"acdcd/internal/storage"
	"acdcd/internal/witness"
)

// Daemon is a running attestation daemon.
type Daemon struct {
	cfg        *Config
	storage    *storage.Storage
	log        *kel.Log
	controller *kel.Controller
	network    *network.Node
	transport  *witness.QUICTransport
	aggregator *witness.Aggregator
	resolver   *resolver.Client // resolver is nil when no resolver is configured
	engine     *attest.Engine
	api        *api.Server

	mu         sync.Mutex // mu guards unresolved
	unresolved []string   // unresolved are witness prefixes without a known address

	wake      chan struct{} // wake triggers a confirmation round
	published int64         // published is the last sn accepted by a resolver, -1 for none
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewDaemon creates and initializes a daemon.
func NewDaemon(cfg *Config) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		cfg:       cfg,
		wake:      make(chan struct{}, 1),
		published: -1,
		ctx:       ctx,
		cancel:    cancel,
	}

	steps := []func() error{
		d.initStorage,
		d.initResolver,
		d.initWitnesses,
		d.initController,
		d.initEngine,
	}

	for _, step := range steps {
		if err := step(); err != nil {
			d.Close()
			return nil, err
		}
	}

	return d, nil
}

// initStorage initializes the Pebble storage.
func (d *Daemon) initStorage() error {
	if err := os.MkdirAll(d.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.New(d.cfg.DataPath + "/db")
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	d.storage = db
	d.log = kel.NewLog(db)

	return nil
}

// initResolver creates the resolver client when resolvers are configured.
func (d *Daemon) initResolver() error {
	if len(d.cfg.Resolvers) == 0 {
		logger.Warn("no resolver configured, remote identifiers cannot be verified")
		return nil
	}

	client, err := resolver.NewClient(resolver.ClientConfig{URLs: d.cfg.Resolvers})
	if err != nil {
		return fmt.Errorf("init resolver client:\n%w", err)
	}

	d.resolver = client

	return nil
}

// initWitnesses creates the dial-only QUIC node and the receipt aggregator.
func (d *Daemon) initWitnesses() error {
	node, err := network.NewNode(network.Config{PrivateKey: d.cfg.PrivateKey})
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	d.network = node

	var endpoints []witness.Endpoint

	for _, w := range d.cfg.Witnesses {
		if !strings.Contains(w, "@") {
			if _, err := signing.ParsePrefix(w); err != nil || !strings.HasPrefix(w, signing.CodeNonTransferable) {
				return fmt.Errorf("witness %q: want a non-transferable prefix", w)
			}

			d.unresolved = append(d.unresolved, w)
			continue
		}

		e, err := witness.ParseEndpoint(w)
		if err != nil {
			return err
		}

		endpoints = append(endpoints, e)
	}

	if len(d.unresolved) > 0 && d.resolver == nil {
		return fmt.Errorf("witnesses without an address need a resolver")
	}

	d.transport = witness.NewQUICTransport(node, endpoints)
	d.aggregator = witness.NewAggregator(d.log, d.transport)

	return nil
}

// initController loads the local identifier or incepts it.
func (d *Daemon) initController() error {
	d.controller = kel.NewController(d.storage, d.log)

	loaded, err := d.controller.Load()
	if err != nil {
		return fmt.Errorf("load identifier:\n%w", err)
	}

	if loaded {
		if d.cfg.User != "" && d.cfg.User != d.controller.Prefix() {
			logger.Warn("configured user differs from stored identifier", "user", d.cfg.User, "prefix", d.controller.Prefix())
		}

		return nil
	}

	_, err = d.controller.Incept(signing.NewSigner(d.cfg.PrivateKey), kel.InceptConfig{
		Alias:            d.cfg.User,
		Witnesses:        d.witnessPrefixes(),
		WitnessThreshold: d.cfg.WitnessThreshold,
	})
	if err != nil {
		return fmt.Errorf("incept identifier:\n%w", err)
	}

	return nil
}

// initEngine opens the attestation store and schemas and creates the API.
func (d *Daemon) initEngine() error {
	store, err := attest.OpenStore(d.storage)
	if err != nil {
		return fmt.Errorf("open attestation store:\n%w", err)
	}

	schemas := attest.NewSchemas()
	if d.cfg.SchemasPath != "" {
		if schemas, err = attest.LoadSchemas(d.cfg.SchemasPath); err != nil {
			return fmt.Errorf("load schemas:\n%w", err)
		}
	}

	d.engine = attest.NewEngine(attest.Config{
		Issuer:    d.controller,
		KeyStates: attest.NewLookup(d.log, d.resolver),
		Store:     store,
		Schemas:   schemas,
	})

	d.api = api.New(":"+strconv.Itoa(d.cfg.Port), d.engine, &identity{Controller: d.controller, daemon: d})

	return nil
}

// witnessPrefixes returns the configured witness prefixes in order.
func (d *Daemon) witnessPrefixes() []string {
	prefixes := make([]string, 0, len(d.cfg.Witnesses))

	for _, w := range d.cfg.Witnesses {
		prefix, _, _ := strings.Cut(w, "@")
		prefixes = append(prefixes, prefix)
	}

	return prefixes
}

// Run starts the API and the confirmation loop, then blocks until a signal.
func (d *Daemon) Run() error {
	if err := d.api.Start(); err != nil {
		d.Close()
		return fmt.Errorf("start api:\n%w", err)
	}

	d.wg.Add(1)
	go d.confirmLoop()

	d.trigger()

	return d.waitForShutdown()
}

// waitForShutdown blocks until SIGINT or SIGTERM is received.
func (d *Daemon) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return d.Close()
}

// Close shuts down all daemon components gracefully.
func (d *Daemon) Close() error {
	if d.api != nil {
		d.api.Stop()
	}

	d.cancel()
	d.wg.Wait()

	if d.aggregator != nil {
		d.aggregator.Wait()
	}

	if d.network != nil {
		d.network.Close()
	}

	if d.storage != nil {
		d.storage.Close()
	}

	return nil
}

// identity exposes the controller to the API and confirms rotations.
type identity struct {
	*kel.Controller
	daemon *Daemon
}

// Rotate rotates the controller's keys and schedules confirmation of the
// new event. Added witnesses may be given as "prefix@host:port"; bare
// prefixes are looked up through the resolver.
func (i *identity) Rotate(add, remove []string, threshold *int) (*kel.SignedEvent, error) {
	prefixes := make([]string, 0, len(add))
	var endpoints []witness.Endpoint

	for _, w := range add {
		if !strings.Contains(w, "@") {
			prefixes = append(prefixes, w)
			continue
		}

		e, err := witness.ParseEndpoint(w)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", kel.ErrInvalidRotation, err)
		}

		endpoints = append(endpoints, e)
		prefixes = append(prefixes, e.Prefix)
	}

	se, err := i.Controller.Rotate(prefixes, remove, threshold)
	if err != nil {
		return nil, err
	}

	for _, e := range endpoints {
		i.daemon.transport.AddEndpoint(e)
	}

	i.daemon.mu.Lock()
	for _, p := range prefixes {
		if !slices.ContainsFunc(endpoints, func(e witness.Endpoint) bool { return e.Prefix == p }) {
			i.daemon.unresolved = append(i.daemon.unresolved, p)
		}
	}
	i.daemon.mu.Unlock()

	i.daemon.trigger()

	return se, nil
}
