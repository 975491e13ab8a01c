package snapshotapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"villagesim.ai/internal/persistence/snapshot"
)

// Client is a snapshot.Store backed by a remote snapshot endpoint.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Load returns the remote snapshot. A missing or invalid snapshot is reported
// as nil so callers start fresh.
func (c *Client) Load(ctx context.Context) (*snapshot.WorldSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+Path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("snapshot get: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot get: status %d: %s", resp.StatusCode, errorMessage(raw))
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, nil
	}
	if len(env.Snapshot) == 0 || string(env.Snapshot) == "null" {
		return nil, nil
	}
	snap, err := snapshot.Decode(env.Snapshot)
	if errors.Is(err, snapshot.ErrInvalid) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) Save(ctx context.Context, snap snapshot.WorldSnapshot) error {
	body, err := snapshot.Encode(snap)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(envelope{Snapshot: body})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+Path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("snapshot post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusBadRequest {
		return &snapshot.InvalidError{Reason: errorMessage(raw)}
	}
	return fmt.Errorf("snapshot post: status %d: %s", resp.StatusCode, errorMessage(raw))
}

func errorMessage(raw []byte) string {
	var e errorBody
	if json.Unmarshal(raw, &e) == nil && e.Message != "" {
		return e.Message
	}
	return strings.TrimSpace(string(raw))
}

var _ snapshot.Store = (*Client)(nil)
