package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// APIError is a non-200 answer from the daemon.
type APIError struct {
	Status  int    // Status is the HTTP status code
	Message string // Message is the daemon's error message
}

func (e *APIError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Status, e.Message)
}

// response is a successful reply.
type response struct {
	body   []byte
	header http.Header
}

// do sends a request and returns the body of a 200 response.
func (c *Client) do(method, path, contentType string, body []byte) (*response, error) {
	req, err := http.NewRequest(method, "http://"+c.nodeAddr+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s:\n%w", method, path, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response:\n%w", path, err)
	}

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}

		json.Unmarshal(data, &e)

		return nil, fmt.Errorf("%s %s:\n%w", method, path, &APIError{Status: resp.StatusCode, Message: e.Error})
	}

	return &response{body: data, header: resp.Header}, nil
}

// httpGet performs a GET request and decodes the JSON response.
func (c *Client) httpGet(path string, result any) error {
	resp, err := c.do(http.MethodGet, path, "", nil)
	if err != nil {
		return err
	}

	return json.Unmarshal(resp.body, result)
}
