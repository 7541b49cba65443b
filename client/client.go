// Package client talks to an acdcd daemon over its HTTP API.
package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"acdcd/internal/api"
	"acdcd/internal/attest"
	"acdcd/internal/kel"
	"acdcd/internal/signing"
)

// Client connects to an acdcd daemon via HTTP.
type Client struct {
	nodeAddr string       // nodeAddr is the HTTP address (e.g. "127.0.0.1:13434")
	http     *http.Client // http sends the requests
}

// NewClient creates a client for the daemon at nodeAddr.
func NewClient(nodeAddr string) *Client {
	return &Client{
		nodeAddr: nodeAddr,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Health returns the daemon's identifier, empty before inception.
func (c *Client) Health() (string, error) {
	var resp struct {
		Status string `json:"status"`
		Prefix string `json:"prefix"`
	}

	if err := c.httpGet("/health", &resp); err != nil {
		return "", fmt.Errorf("health:\n%w", err)
	}

	return resp.Prefix, nil
}

// Create asks the daemon to saidify and sign draft as its issuer.
func (c *Client) Create(draft []byte) (*attest.Signed, error) {
	resp, err := c.do(http.MethodPost, "/attestations/create", "application/json", draft)
	if err != nil {
		return nil, fmt.Errorf("create:\n%w", err)
	}

	return signedFromResponse(resp)
}

// Receive submits a CESR stream for verification and returns the stored
// attestation.
func (c *Client) Receive(stream []byte) (*attest.Attestation, error) {
	resp, err := c.do(http.MethodPost, "/attestations", api.ContentTypeCESR, stream)
	if err != nil {
		return nil, fmt.Errorf("receive:\n%w", err)
	}

	return attest.Parse(resp.body)
}

// List returns the daemon's verified attestations in insertion order.
func (c *Client) List() ([]*attest.Attestation, error) {
	var raws []json.RawMessage
	if err := c.httpGet("/attestations", &raws); err != nil {
		return nil, fmt.Errorf("list:\n%w", err)
	}

	list := make([]*attest.Attestation, len(raws))

	for i, raw := range raws {
		a, err := attest.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("attestation %d:\n%w", i, err)
		}

		list[i] = a
	}

	return list, nil
}

// Get fetches a stored attestation with its signatures.
func (c *Client) Get(digest string) (*attest.Signed, error) {
	resp, err := c.do(http.MethodGet, "/attestations/"+url.PathEscape(digest)+"?format=cesr", "", nil)
	if err != nil {
		return nil, fmt.Errorf("get %s:\n%w", digest, err)
	}

	return attest.ParseSigned(resp.body)
}

// KeyState returns the daemon's current key state.
func (c *Client) KeyState() (*kel.State, error) {
	var state kel.State
	if err := c.httpGet("/key_state", &state); err != nil {
		return nil, fmt.Errorf("key state:\n%w", err)
	}

	return &state, nil
}

// KEL returns the daemon's key event log with receipts.
func (c *Client) KEL() ([]*kel.SignedEvent, error) {
	resp, err := c.do(http.MethodGet, "/kel", "", nil)
	if err != nil {
		return nil, fmt.Errorf("kel:\n%w", err)
	}

	return kel.ParseStream(resp.body)
}

// Rotate rotates the daemon's keys and returns the new key state.
func (c *Client) Rotate(req api.RotateRequest) (*kel.State, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(http.MethodPost, "/rotate", "application/json", body)
	if err != nil {
		return nil, fmt.Errorf("rotate:\n%w", err)
	}

	var state kel.State
	if err := json.Unmarshal(resp.body, &state); err != nil {
		return nil, fmt.Errorf("decode key state:\n%w", err)
	}

	return &state, nil
}

// signedFromResponse joins a JSON body with its attachment header.
func signedFromResponse(resp *response) (*attest.Signed, error) {
	a, err := attest.Parse(resp.body)
	if err != nil {
		return nil, err
	}

	att, err := signing.ParseAttachment(resp.header.Get(api.AttachmentHeader))
	if err != nil {
		return nil, fmt.Errorf("attachment header:\n%w", err)
	}

	return &attest.Signed{Attestation: a, Raw: resp.body, Attachment: att}, nil
}
