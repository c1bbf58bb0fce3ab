package build

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPProber implements the smoke test against the generated assistant
// runtime: poll GET /health until ready, then send one synthetic chat
// request and check the response shape.
type HTTPProber struct {
	client       *http.Client
	pollInterval time.Duration
}

func NewHTTPProber() *HTTPProber {
	return &HTTPProber{
		client:       &http.Client{Timeout: 5 * time.Second},
		pollInterval: 500 * time.Millisecond,
	}
}

func (p *HTTPProber) Probe(ctx context.Context, endpoint string) error {
	endpoint = strings.TrimRight(endpoint, "/")
	if err := p.waitReady(ctx, endpoint+"/health"); err != nil {
		return err
	}
	return p.syntheticChat(ctx, endpoint+"/chat")
}

func (p *HTTPProber) waitReady(ctx context.Context, url string) error {
	t := time.NewTicker(p.pollInterval)
	defer t.Stop()
	var lastErr error = fmt.Errorf("never probed")
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("readiness probe timed out: %w (last: %v)", ctx.Err(), lastErr)
		case <-t.C:
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := p.client.Do(req)
			if err != nil {
				lastErr = err
				continue
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			lastErr = fmt.Errorf("health returned %s", resp.Status)
		}
	}
}

func (p *HTTPProber) syntheticChat(ctx context.Context, url string) error {
	body, _ := json.Marshal(map[string]string{"message": "ping"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("synthetic chat request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("synthetic chat returned %s", resp.Status)
	}
	var out struct {
		Reply string `json:"reply"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode chat response: %w", err)
	}
	if strings.TrimSpace(out.Reply) == "" {
		return fmt.Errorf("chat response missing reply")
	}
	return nil
}
