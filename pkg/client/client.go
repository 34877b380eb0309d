// Package client is the HTTP client the probehubd CLI uses to talk to the
// daemon's httpapi surface: a thin wrapper around *http.Client with one
// method per endpoint, JSON decoding, and the daemon's error envelope
// surfaced as a plain Go error. There is no TLS/auth layer: the hub
// assumes a trusted LAN, so the dispatch client has no certificates to carry.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Client talks to one probehubd daemon instance.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// Config configures a Client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
}

// DefaultConfig returns the base URL and timeout that New fills in for
// zero fields.
func DefaultConfig() Config {
	return Config{BaseURL: "http://127.0.0.1:8080", Timeout: 30 * time.Second}
}

// New constructs a Client, filling in defaults for any zero field.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://127.0.0.1:8080"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL: cfg.BaseURL,
		logger:  cfg.Logger,
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

// IsReachable reports whether the daemon answers GET /status at all.
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return true
}

// Status fetches GET /status.
func (c *Client) Status(ctx context.Context) ([]ProbeStatus, error) {
	var out []ProbeStatus
	if err := c.getJSON(ctx, "/status", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Search fetches GET /probes/search with the given AND-combined filter.
func (c *Client) Search(ctx context.Context, q SearchQuery) (SearchResult, error) {
	v := url.Values{}
	addIfSet(v, "interface", q.Interface)
	addIfSet(v, "vid", q.VID)
	addIfSet(v, "pid", q.PID)
	addIfSet(v, "serial", q.Serial)
	addIfSet(v, "name", q.Name)

	var out SearchResult
	if err := c.getJSON(ctx, "/probes/search?"+v.Encode(), &out); err != nil {
		return SearchResult{}, err
	}
	return out, nil
}

func addIfSet(v url.Values, key, val string) {
	if val != "" {
		v.Set(key, val)
	}
}

// Dispatch performs POST /dispatch, reading the firmware file (flash
// mode only) from disk into an in-memory multipart body before sending.
func (c *Client) Dispatch(ctx context.Context, req DispatchRequest) (DispatchResult, error) {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)

	_ = mw.WriteField("target", req.Target)
	_ = mw.WriteField("probe", strconv.Itoa(req.Probe))
	_ = mw.WriteField("mode", req.Mode)
	if req.Transport != "" {
		_ = mw.WriteField("transport", req.Transport)
	}
	if req.FirmwarePath != "" {
		f, err := os.Open(req.FirmwarePath)
		if err != nil {
			return DispatchResult{}, fmt.Errorf("open firmware file: %w", err)
		}
		defer func() { _ = f.Close() }()
		part, err := mw.CreateFormFile("file", req.FirmwarePath)
		if err != nil {
			return DispatchResult{}, err
		}
		if _, err := io.Copy(part, f); err != nil {
			return DispatchResult{}, fmt.Errorf("stream firmware file: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return DispatchResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/dispatch", body)
	if err != nil {
		return DispatchResult{}, err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	var out DispatchResult
	if err := c.do(httpReq, &out); err != nil {
		return DispatchResult{}, err
	}
	return out, nil
}

// StopSession performs POST /session/stop.
func (c *Client) StopSession(ctx context.Context, req StopSessionRequest) error {
	v := url.Values{"probe": {strconv.Itoa(req.Probe)}}
	if req.Kind != "" {
		v.Set("kind", req.Kind)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/session/stop", bytes.NewReader([]byte(v.Encode())))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var out map[string]any
	return c.do(httpReq, &out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var errResp ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
			return fmt.Errorf("HTTP %d", resp.StatusCode)
		}
		c.logger.Debug("daemon returned error", "status", errResp.Status, "error", errResp.Error)
		return &RemoteError{Kind: errResp.Status, Message: errResp.Error, Log: errResp.Log}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
