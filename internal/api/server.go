// Package api serves the daemon's HTTP interface: attestation creation,
// verification and listing, and read access to the local key event log.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"acdcd/internal/attest"
	"acdcd/internal/kel"
	"acdcd/internal/logger"
)

const (
	// maxBodySize bounds request bodies.
	maxBodySize = 1 << 20 // 1 MB

	// AttachmentHeader carries the attached signatures of a JSON response.
	AttachmentHeader = "CESR-ATTACHMENT"

	// ContentTypeCESR is the media type of a body followed by its attachments.
	ContentTypeCESR = "application/cesr"
)

// Attestations creates, verifies and lists attestations.
type Attestations interface {
	Create(draft *attest.Attestation) (*attest.Signed, error)
	Receive(ctx context.Context, stream []byte) (*attest.Signed, error)
	List() []*attest.Signed
	Get(digest string) (*attest.Signed, bool)
}

// Identity exposes the local identifier.
type Identity interface {
	Prefix() string
	State() (*kel.State, error)
	Events() ([]*kel.SignedEvent, error)
	Rotate(add, remove []string, threshold *int) (*kel.SignedEvent, error)
}

// Server is the HTTP API server.
type Server struct {
	addr         string       // addr is the HTTP listen address
	attestations Attestations // attestations is the attestation engine
	identity     Identity     // identity is the local identifier
	server       *http.Server // server is the underlying HTTP server
}

// New creates a new HTTP API server.
func New(addr string, attestations Attestations, identity Identity) *Server {
	return &Server{
		addr:         addr,
		attestations: attestations,
		identity:     identity,
	}
}

// Handler returns the routes wrapped with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /attestations/create", s.handleCreate)
	mux.HandleFunc("POST /attestations", s.handleReceive)
	mux.HandleFunc("GET /attestations", s.handleList)
	mux.HandleFunc("GET /attestations/{digest}", s.handleGet)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /key_state", s.handleKeyState)
	mux.HandleFunc("GET /kel", s.handleKEL)
	mux.HandleFunc("POST /rotate", s.handleRotate)

	return withRequestID(mux)
}

// Start binds the listen address and serves in a goroutine. A listen
// failure is returned to the caller.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	ln, err := listen(s.addr)
	if err != nil {
		return fmt.Errorf("listen %s:\n%w", s.addr, err)
	}

	go func() {
		logger.Info("http api started", "addr", ln.Addr().String())

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

// handleCreate handles POST /attestations/create requests.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	draft, err := attest.Draft(body)
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	signed, err := s.attestations.Create(draft)
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	writeSigned(w, r, signed)
}

// handleReceive handles POST /attestations requests.
func (s *Server) handleReceive(w http.ResponseWriter, r *http.Request) {
	stream, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	// A JSON body with its signatures in the header is accepted too.
	if att := r.Header.Get(AttachmentHeader); att != "" {
		stream = append(stream, att...)
	}

	signed, err := s.attestations.Receive(r.Context(), stream)
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	writeBody(w, http.StatusOK, signed.Raw)
}

// handleList handles GET /attestations requests.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	list := s.attestations.List()

	out := make([]json.RawMessage, len(list))
	for i, signed := range list {
		out[i] = signed.Raw
	}

	writeJSON(w, http.StatusOK, out)
}

// handleGet handles GET /attestations/{digest} requests.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	signed, ok := s.attestations.Get(r.PathValue("digest"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown attestation")
		return
	}

	writeSigned(w, r, signed)
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"prefix": s.identity.Prefix(),
	})
}

// handleKeyState handles GET /key_state requests.
func (s *Server) handleKeyState(w http.ResponseWriter, r *http.Request) {
	state, err := s.identity.State()
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, state)
}

// handleKEL handles GET /kel requests.
func (s *Server) handleKEL(w http.ResponseWriter, r *http.Request) {
	events, err := s.identity.Events()
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	var stream []byte
	for _, se := range events {
		stream = append(stream, se.Stream()...)
	}

	w.Header().Set("Content-Type", ContentTypeCESR)
	w.WriteHeader(http.StatusOK)
	w.Write(stream)
}

// RotateRequest is the body of POST /rotate.
type RotateRequest struct {
	Add       []string `json:"add,omitempty"`       // Add are witnesses to add
	Remove    []string `json:"remove,omitempty"`    // Remove are witnesses to remove
	Threshold *int     `json:"threshold,omitempty"` // Threshold is the new witness threshold, unchanged when nil
}

// handleRotate handles POST /rotate requests.
func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request) {
	var req RotateRequest

	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil && err != io.EOF {
			writeError(w, http.StatusBadRequest, "invalid rotation request")
			return
		}
	}

	if _, err := s.identity.Rotate(req.Add, req.Remove, req.Threshold); err != nil {
		writeFailure(w, r, err)
		return
	}

	s.handleKeyState(w, r)
}

// writeSigned writes an attestation as JSON with its attachment in a
// header, or as a single CESR stream when format=cesr is requested.
func writeSigned(w http.ResponseWriter, r *http.Request, signed *attest.Signed) {
	if r.URL.Query().Get("format") == "cesr" {
		w.Header().Set("Content-Type", ContentTypeCESR)
		w.WriteHeader(http.StatusOK)
		w.Write(signed.Stream())
		return
	}

	w.Header().Set(AttachmentHeader, signed.Attachment.Encode())
	writeBody(w, http.StatusOK, signed.Raw)
}

// writeBody writes pre-serialized JSON.
func writeBody(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
