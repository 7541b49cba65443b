package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"acdcd/internal/kel"
	"acdcd/internal/logger"
)

const (
	// defaultTimeout bounds one HTTP exchange with a resolver.
	defaultTimeout = 5 * time.Second

	// defaultRetries is how many times a failed query is retried.
	defaultRetries = 3

	// defaultInterval is the first retry delay.
	defaultInterval = 200 * time.Millisecond
)

// ClientConfig configures a Client.
type ClientConfig struct {
	URLs     []string      // URLs are resolver base URLs, tried in order
	Timeout  time.Duration // Timeout bounds each HTTP exchange
	Retries  uint64        // Retries is the number of retries after the first attempt
	Interval time.Duration // Interval is the initial backoff delay
}

// Client publishes to and queries one or more resolvers.
type Client struct {
	urls     []string
	http     *http.Client
	retries  uint64
	interval time.Duration
}

// NewClient creates a resolver client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if len(cfg.URLs) == 0 {
		return nil, fmt.Errorf("at least one resolver URL is required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	retries := cfg.Retries
	if retries == 0 {
		retries = defaultRetries
	}

	interval := cfg.Interval
	if interval == 0 {
		interval = defaultInterval
	}

	urls := make([]string, len(cfg.URLs))
	for i, u := range cfg.URLs {
		urls[i] = strings.TrimRight(u, "/")
	}

	return &Client{
		urls:     urls,
		http:     &http.Client{Timeout: timeout},
		retries:  retries,
		interval: interval,
	}, nil
}

// Resolve returns the latest key state of prefix. The first resolver to
// answer wins. It fails with ErrUnknownIdentifier when every resolver
// answered without knowing prefix, and with ErrResolverUnreachable when
// retries are exhausted.
func (c *Client) Resolve(ctx context.Context, prefix string) (*KeyState, error) {
	return c.query(ctx, "/key_states/"+url.PathEscape(prefix))
}

// ResolveAt returns the key state of prefix established by its event at sn.
func (c *Client) ResolveAt(ctx context.Context, prefix string, sn uint64) (*KeyState, error) {
	return c.query(ctx, "/key_states/"+url.PathEscape(prefix)+"/"+strconv.FormatUint(sn, 10))
}

// query GETs path from each resolver in turn until one answers.
func (c *Client) query(ctx context.Context, path string) (*KeyState, error) {
	var ks *KeyState

	err := c.retry(ctx, path, func() error {
		var errs []error
		unknown := 0

		for _, base := range c.urls {
			state, err := c.do(ctx, http.MethodGet, base+path, nil)
			if err == nil {
				ks = state
				return nil
			}

			if errors.Is(err, ErrUnknownIdentifier) {
				unknown++
			}

			errs = append(errs, err)
		}

		if unknown == len(c.urls) {
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrUnknownIdentifier, path))
		}

		return errors.Join(errs...)
	})
	if err != nil {
		return nil, err
	}

	return ks, nil
}

// Publish sends a signed event stream to every resolver. Resolvers already
// holding the events accept them again, so republishing is harmless. It
// succeeds once any resolver accepted the stream and returns that
// resolver's key state.
func (c *Client) Publish(ctx context.Context, events []*kel.SignedEvent) (*KeyState, error) {
	var stream []byte
	for _, se := range events {
		stream = append(stream, se.Stream()...)
	}

	var accepted *KeyState

	pending := c.urls

	err := c.retry(ctx, "/key_states", func() error {
		var (
			errs      []error
			remaining []string
		)

		for _, base := range pending {
			ks, err := c.do(ctx, http.MethodPost, base+"/key_states", stream)
			switch {
			case err == nil:
				if accepted == nil {
					accepted = ks
				}
			case errors.Is(err, ErrResolverUnreachable):
				remaining = append(remaining, base)
				errs = append(errs, err)
			default:
				errs = append(errs, err)
			}
		}

		pending = remaining

		if len(pending) == 0 {
			if accepted != nil {
				return nil
			}

			return backoff.Permanent(errors.Join(errs...))
		}

		return errors.Join(errs...)
	})

	if accepted != nil {
		if err != nil {
			logger.Warn("some resolvers did not accept publication", "error", err)
		}

		return accepted, nil
	}

	return nil, err
}

// WitnessEndpoint looks up the registered "prefix@host:port" of a witness.
func (c *Client) WitnessEndpoint(ctx context.Context, prefix string) (string, error) {
	var endpoint string

	path := "/witnesses/" + url.PathEscape(prefix)

	err := c.retry(ctx, path, func() error {
		var errs []error

		for _, base := range c.urls {
			var out struct {
				Endpoint string `json:"endpoint"`
			}

			if err := c.exchange(ctx, http.MethodGet, base+path, "", nil, &out); err != nil {
				errs = append(errs, err)
				continue
			}

			endpoint = out.Endpoint
			return nil
		}

		return errors.Join(errs...)
	})

	return endpoint, err
}

// RegisterWitness announces a witness endpoint to every resolver.
func (c *Client) RegisterWitness(ctx context.Context, reg WitnessRegistration) error {
	body, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("marshal registration:\n%w", err)
	}

	return c.retry(ctx, "/witnesses", func() error {
		var errs []error

		for _, base := range c.urls {
			if err := c.exchange(ctx, http.MethodPost, base+"/witnesses", "application/json", body, nil); err != nil {
				errs = append(errs, err)
			}
		}

		return errors.Join(errs...)
	})
}

// retry runs op with bounded exponential backoff. Errors other than
// ErrResolverUnreachable end the loop immediately.
func (c *Client) retry(ctx context.Context, what string, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.interval
	policy.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(policy, c.retries), ctx)

	wrapped := func() error {
		err := op()
		if err != nil && !errors.Is(err, ErrResolverUnreachable) {
			var permanent *backoff.PermanentError
			if !errors.As(err, &permanent) {
				return backoff.Permanent(err)
			}
		}

		return err
	}

	notify := func(err error, wait time.Duration) {
		logger.Debug("resolver retry", "path", what, "wait", wait, "error", err)
	}

	return backoff.RetryNotify(wrapped, b, notify)
}

// do exchanges a request whose answer is a key state.
func (c *Client) do(ctx context.Context, method, url string, body []byte) (*KeyState, error) {
	var ks KeyState

	if err := c.exchange(ctx, method, url, "application/cesr", body, &ks); err != nil {
		return nil, err
	}

	return &ks, nil
}

// exchange performs one HTTP request and classifies its failure.
func (c *Client) exchange(ctx context.Context, method, url, contentType string, body []byte, result any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request:\n%w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrResolverUnreachable, method, url, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrUnknownIdentifier, url)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s %s: status %d", ErrResolverUnreachable, method, url, resp.StatusCode)
	default:
		return fmt.Errorf("%w: %s %s: status %d: %s", ErrRejected, method, url, resp.StatusCode, readError(resp.Body))
	}

	if result == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrResolverUnreachable, url, err)
	}

	return nil
}

// readError extracts the error message of a JSON error response.
func readError(r io.Reader) string {
	var out struct {
		Error string `json:"error"`
	}

	if err := json.NewDecoder(io.LimitReader(r, 4096)).Decode(&out); err != nil {
		return "no detail"
	}

	return out.Error
}
