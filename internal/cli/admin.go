package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vietddude/keyrouter/internal/core/domain"
	"github.com/vietddude/keyrouter/internal/keypool"
)

// adminClient talks to the HTTP API of a running server.
type adminClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAdminClient(baseURL, token string) *adminClient {
	return &adminClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type poolView struct {
	Status  domain.PoolStatus  `json:"status"`
	Total   int                `json:"total"`
	Healthy int                `json:"healthy"`
	Keys    []keypool.KeyStats `json:"keys"`
}

func (c *adminClient) keys(ctx context.Context) (*poolView, error) {
	var view poolView
	if err := c.do(ctx, http.MethodGet, "/v1/keys", &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func (c *adminClient) cluster(ctx context.Context) ([]*domain.Snapshot, error) {
	var snaps []*domain.Snapshot
	if err := c.do(ctx, http.MethodGet, "/v1/keys/cluster", &snaps); err != nil {
		return nil, err
	}
	return snaps, nil
}

func (c *adminClient) resetRateLimits(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/admin/rate-limits/reset", nil)
}

func (c *adminClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
