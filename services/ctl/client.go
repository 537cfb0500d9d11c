package ctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// Client is a thin HTTP client for the maintenance control plane API, used
// by the fleetctl command.
type Client struct {
	base  string
	actor string
	http  *http.Client
}

// NewClient builds a Client for the given API base URL. An empty base falls
// back to the FLEETMAINT_API environment variable.
func NewClient(base string) (*Client, error) {
	if base == "" {
		base = os.Getenv("FLEETMAINT_API")
	}
	if base == "" {
		return nil, fmt.Errorf("API base URL required (flag --api or FLEETMAINT_API)")
	}

	actor := os.Getenv("FLEETMAINT_ACTOR")
	if actor == "" {
		actor = os.Getenv("USER")
	}

	return &Client{
		base:  strings.TrimRight(base, "/"),
		actor: actor,
		http:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Post sends a JSON body and decodes the JSON response into dest.
func (c *Client) Post(ctx context.Context, path string, payload, dest any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.actor != "" {
		req.Header.Set("X-Actor", c.actor)
	}

	return c.do(req, dest)
}

// Get decodes the JSON response of a GET into dest.
func (c *Client) Get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, dest)
}

func (c *Client) do(req *http.Request, dest any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(data))

		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return fmt.Errorf("%s %s: %s (status %d)", req.Method, req.URL.Path, msg, resp.StatusCode)
	}

	if dest == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}

// PrintJSON pretty-prints an API payload to stdout.
func PrintJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
