// Package datalayer is a thin client for the external indexing service:
// receipts are pushed for discovery, capability benchmarks are pulled for
// offer scoring.
package datalayer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/anushkasomani/agentrunner/marketplace"
	"github.com/anushkasomani/agentrunner/receipt"
)

// Client talks to one data layer deployment. All methods are best-effort
// from the caller's point of view; the system must keep working when the
// indexer is down.
type Client struct {
	base string
	hc   *http.Client
}

func NewClient(base string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{base: base, hc: &http.Client{Timeout: timeout}}
}

// IndexReceipt pushes a signed receipt for indexing.
func (c *Client) IndexReceipt(ctx context.Context, rec receipt.Receipt) error {
	body, err := receipt.CanonicalBytes(rec)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/receipts", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("datalayer: build index request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("datalayer: index receipt: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("datalayer: index status %d", resp.StatusCode)
	}
	return nil
}

// Benchmarks fetches scoring baselines for a capability.
func (c *Client) Benchmarks(ctx context.Context, capability string) (marketplace.Benchmarks, error) {
	u := c.base + "/benchmarks?capability=" + url.QueryEscape(capability)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return marketplace.Benchmarks{}, fmt.Errorf("datalayer: build benchmarks request: %w", err)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return marketplace.Benchmarks{}, fmt.Errorf("datalayer: fetch benchmarks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return marketplace.Benchmarks{}, fmt.Errorf("datalayer: benchmarks status %d", resp.StatusCode)
	}

	var b marketplace.Benchmarks
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		return marketplace.Benchmarks{}, fmt.Errorf("datalayer: decode benchmarks: %w", err)
	}
	return b, nil
}
