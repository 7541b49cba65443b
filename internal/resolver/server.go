package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"strconv"
	"time"

	"acdcd/internal/kel"
	"acdcd/internal/logger"
	"acdcd/internal/said"
	"acdcd/internal/signing"
	"acdcd/internal/storage"
	"acdcd/internal/witness"
)

const (
	// maxPublishSize bounds a published key event stream.
	maxPublishSize = 4 << 20 // 4 MB
)

// Server stores confirmed key event logs and serves their key state.
type Server struct {
	addr   string           // addr is the HTTP listen address
	db     *storage.Storage // db holds publication times and witness endpoints
	log    *kel.Log         // log is the resolver's copy of published logs
	server *http.Server     // server is the underlying HTTP server
}

// NewServer creates a resolver over db.
func NewServer(addr string, db *storage.Storage) *Server {
	return &Server{
		addr: addr,
		db:   db,
		log:  kel.NewLog(db),
	}
}

// Handler returns the resolver routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /key_states", s.handlePublish)
	mux.HandleFunc("GET /key_states/{prefix}", s.handleResolve)
	mux.HandleFunc("GET /key_states/{prefix}/{sn}", s.handleResolveAt)
	mux.HandleFunc("POST /witnesses", s.handleRegisterWitness)
	mux.HandleFunc("GET /witnesses/{prefix}", s.handleWitness)
	mux.HandleFunc("GET /health", s.handleHealth)

	return mux
}

// Start binds the listen address and serves in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s:\n%w", s.addr, err)
	}

	go func() {
		logger.Info("resolver started", "addr", ln.Addr().String())

		if err := s.server.Serve(ln); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Publish validates and stores a stream of signed events for one identifier
// and returns its resulting key state. Events already held are accepted
// again without effect apart from merging new receipts.
func (s *Server) Publish(stream []byte) (*KeyState, error) {
	events, err := kel.ParseStream(stream)
	if err != nil {
		return nil, err
	}

	if len(events) == 0 {
		return nil, fmt.Errorf("%w: empty event stream", said.ErrFormat)
	}

	prefix := events[0].Event.Prefix

	for _, se := range events {
		if se.Event.Prefix != prefix {
			return nil, fmt.Errorf("%w: stream mixes identifiers %s and %s", kel.ErrInvalidEvent, prefix, se.Event.Prefix)
		}

		if err := s.accept(se); err != nil {
			return nil, fmt.Errorf("event %d of %s:\n%w", se.Event.Sn, prefix, err)
		}
	}

	return s.keyState(prefix)
}

// accept appends se if its receipts satisfy the witness threshold of the
// state it produces.
func (s *Server) accept(se *kel.SignedEvent) error {
	prefix, sn := se.Event.Prefix, se.Event.Sn

	current, err := s.log.State(prefix)
	if errors.Is(err, kel.ErrUnknownPrefix) {
		current = nil
	} else if err != nil {
		return err
	}

	if current != nil && sn <= current.Sn {
		_, err := s.log.Append(se)
		if errors.Is(err, kel.ErrDuplicate) {
			return nil
		}

		return err
	}

	next, err := kel.Apply(current, se)
	if err != nil {
		return err
	}

	if err := checkReceipts(se, next); err != nil {
		return err
	}

	if _, err := s.log.Append(se); err != nil && !errors.Is(err, kel.ErrDuplicate) {
		return err
	}

	stamp, _ := time.Now().UTC().MarshalText()
	if err := s.db.Set(publishedKey(prefix, sn), stamp); err != nil {
		return fmt.Errorf("store publication time:\n%w", err)
	}

	logger.Info("key state published", "prefix", prefix, "sn", sn, "receipts", len(se.Receipts))

	return nil
}

// checkReceipts counts distinct valid receipts from the witnesses of state.
func checkReceipts(se *kel.SignedEvent, state *kel.State) error {
	valid := make(map[string]bool, len(se.Receipts))

	for _, c := range se.Receipts {
		if valid[c.Witness] {
			continue
		}

		if !slices.Contains(state.Witnesses, c.Witness) {
			continue
		}

		if err := c.Verify(se.Raw); err != nil {
			continue
		}

		valid[c.Witness] = true
	}

	if len(valid) < state.WitnessThreshold {
		return fmt.Errorf("%w: %d of %d receipts", ErrUnconfirmed, len(valid), state.WitnessThreshold)
	}

	return nil
}

// keyState returns the latest published state of prefix.
func (s *Server) keyState(prefix string) (*KeyState, error) {
	state, err := s.log.State(prefix)
	if err != nil {
		return nil, err
	}

	return s.withTime(state)
}

func (s *Server) withTime(state *kel.State) (*KeyState, error) {
	ks := &KeyState{State: *state}

	stamp, err := s.db.Get(publishedKey(state.Prefix, state.Sn))
	if err != nil {
		return nil, err
	}

	if stamp != nil {
		if err := ks.Published.UnmarshalText(stamp); err != nil {
			return nil, fmt.Errorf("decode publication time:\n%w", err)
		}
	}

	return ks, nil
}

// handlePublish handles POST /key_states requests.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPublishSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	ks, err := s.Publish(body)
	if err != nil {
		logger.Debug("publish rejected", "error", err)
		writeError(w, publishStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ks)
}

// publishStatus maps publication failures to HTTP statuses.
func publishStatus(err error) int {
	switch {
	case errors.Is(err, said.ErrFormat),
		errors.Is(err, kel.ErrInvalidEvent),
		errors.Is(err, kel.ErrInvalidRotation),
		errors.Is(err, kel.ErrNotEstablished),
		errors.Is(err, signing.ErrVerificationFailed):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnconfirmed):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// handleResolve handles GET /key_states/{prefix} requests.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	ks, err := s.keyState(r.PathValue("prefix"))
	s.writeState(w, ks, err)
}

// handleResolveAt handles GET /key_states/{prefix}/{sn} requests.
func (s *Server) handleResolveAt(w http.ResponseWriter, r *http.Request) {
	sn, err := strconv.ParseUint(r.PathValue("sn"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid sequence number")
		return
	}

	state, err := s.log.StateAt(r.PathValue("prefix"), sn)
	if err != nil {
		s.writeState(w, nil, err)
		return
	}

	ks, err := s.withTime(state)
	s.writeState(w, ks, err)
}

func (s *Server) writeState(w http.ResponseWriter, ks *KeyState, err error) {
	switch {
	case errors.Is(err, kel.ErrUnknownPrefix):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		logger.Error("resolve failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusOK, ks)
	}
}

// handleRegisterWitness handles POST /witnesses requests.
func (s *Server) handleRegisterWitness(w http.ResponseWriter, r *http.Request) {
	var reg WitnessRegistration

	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&reg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid registration")
		return
	}

	endpoint, err := witness.ParseEndpoint(reg.Endpoint)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	receipt := signing.Couple{Witness: endpoint.Prefix, Sig: reg.Signature}
	if err := receipt.Verify([]byte(reg.Endpoint)); err != nil {
		writeError(w, http.StatusForbidden, "bad registration signature")
		return
	}

	if err := s.db.Set(witnessKey(endpoint.Prefix), []byte(endpoint.String())); err != nil {
		logger.Error("store witness endpoint", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	logger.Info("witness registered", "endpoint", endpoint.String())

	writeJSON(w, http.StatusOK, map[string]string{"endpoint": endpoint.String()})
}

// handleWitness handles GET /witnesses/{prefix} requests.
func (s *Server) handleWitness(w http.ResponseWriter, r *http.Request) {
	data, err := s.db.Get(witnessKey(r.PathValue("prefix")))
	if err != nil {
		logger.Error("read witness endpoint", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if data == nil {
		writeError(w, http.StatusNotFound, "unknown witness")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"endpoint": string(data)})
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func publishedKey(prefix string, sn uint64) []byte {
	return storage.Key(storage.SpaceMeta, []byte("published"), storage.Field(prefix), storage.Uint64(sn))
}

func witnessKey(prefix string) []byte {
	return storage.Key(storage.SpaceMeta, []byte("witness"), storage.Field(prefix))
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
