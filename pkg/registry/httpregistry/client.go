// Package httpregistry reads assignments from, and registers with, a
// coordination registry exposed over HTTP/JSON.
//
// Endpoints, relative to the base URL:
//
//	GET  /v1/namespaces/{ns}/hosts/{host}/assignment  -> {"image": "...", "ports": [...]}
//	GET  /v1/namespaces/{ns}/hosts/{host}/membership  -> {"active": true}
//	POST /v1/namespaces/{ns}/members                  <- {"host": "..."}
//
// A 404 on either GET means "unassigned" or "not a member". A 409 on POST
// means the host is already registered.
package httpregistry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dd0wney/canteen/pkg/registry"
)

// DefaultTimeout bounds a single registry request
const DefaultTimeout = 5 * time.Second

// Client is a registry.Directory speaking HTTP/JSON
type Client struct {
	baseURL    string
	namespace  string
	httpClient *http.Client
	signer     *Signer
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default http.Client
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithSigner attaches a bearer token minted by s to registration requests
func WithSigner(s *Signer) Option {
	return func(cl *Client) { cl.signer = s }
}

// New creates a client for the registry at baseURL
func New(baseURL, namespace string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid registry url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid registry url scheme %q", u.Scheme)
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		namespace:  namespace,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type membershipResponse struct {
	Active bool `json:"active"`
}

type registerRequest struct {
	Host string `json:"host"`
}

// Assignment implements registry.Directory
func (c *Client) Assignment(ctx context.Context, host string) (registry.Assignment, error) {
	if host == "" {
		return registry.Assignment{}, registry.ErrInvalidHost
	}

	var a registry.Assignment
	found, err := c.getJSON(ctx, c.hostURL(host, "assignment"), &a)
	if err != nil {
		return registry.Assignment{}, err
	}
	if !found {
		return registry.Assignment{}, nil
	}
	if err := a.Validate(); err != nil {
		return registry.Assignment{}, err
	}
	return a, nil
}

// IsActive implements registry.Directory
func (c *Client) IsActive(ctx context.Context, host string) (bool, error) {
	if host == "" {
		return false, registry.ErrInvalidHost
	}

	var m membershipResponse
	found, err := c.getJSON(ctx, c.hostURL(host, "membership"), &m)
	if err != nil || !found {
		return false, err
	}
	return m.Active, nil
}

// Register implements registry.Directory
func (c *Client) Register(ctx context.Context, host string) error {
	if host == "" {
		return registry.ErrInvalidHost
	}

	body, err := json.Marshal(registerRequest{Host: host})
	if err != nil {
		return err
	}

	target := c.baseURL + "/v1/namespaces/" + url.PathEscape(c.namespace) + "/members"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	if c.signer != nil {
		token, err := c.signer.Token(host, c.namespace)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", registry.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusConflict:
		return registry.ErrAlreadyRegistered
	case resp.StatusCode >= 300:
		return fmt.Errorf("http %s: %d", target, resp.StatusCode)
	}
	return nil
}

// Ping checks the registry answers at all
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", registry.ErrUnavailable, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", registry.ErrUnavailable, resp.StatusCode)
	}
	return nil
}

// Close releases idle connections
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Client) hostURL(host, leaf string) string {
	return c.baseURL + "/v1/namespaces/" + url.PathEscape(c.namespace) +
		"/hosts/" + url.PathEscape(host) + "/" + leaf
}

// getJSON decodes a 2xx body into out. It reports found=false on 404.
func (c *Client) getJSON(ctx context.Context, target string, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", registry.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode >= 300 {
		return false, fmt.Errorf("http %s: %d", target, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("%w: %v", registry.ErrInvalidResponse, err)
	}
	return true, nil
}

var _ registry.Directory = (*Client)(nil)
