// Package browser implements engine.ResourceProvider against a local
// browser-manager HTTP API. Each resource id is a browser profile; acquiring
// it opens the profile and yields the DevTools websocket endpoint.
package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"taskherd/internal/engine"
	logx "taskherd/pkg/logx"
)

type Config struct {
	// BaseURL of the local browser manager, e.g. http://127.0.0.1:54345.
	BaseURL string
	Timeout time.Duration // per-request; 0 means 60s
}

// Provider talks to the local browser manager over HTTP.
type Provider struct {
	base   string
	client *http.Client
	log    logx.Logger
}

// Handle is one opened browser profile.
type Handle struct {
	ProfileID string
	WSAddress string // DevTools websocket endpoint
	HTTPAddr  string // DevTools http endpoint
}

func (h *Handle) ID() string { return h.ProfileID }

func New(cfg Config, log logx.Logger) (*Provider, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("browser manager base url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Provider{
		base:   base,
		client: &http.Client{Timeout: timeout},
		log:    log,
	}, nil
}

type apiResponse struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Data    json.RawMessage `json:"data"`
}

type openData struct {
	WS   string `json:"ws"`
	HTTP string `json:"http"`
}

func (p *Provider) Acquire(ctx context.Context, resourceID string) (engine.ResourceHandle, error) {
	var data openData
	if err := p.post(ctx, "/browser/open", map[string]any{"id": resourceID}, &data); err != nil {
		return nil, fmt.Errorf("open profile %s: %w", resourceID, err)
	}
	p.log.Debug("browser profile opened",
		logx.String("profile", resourceID),
		logx.String("ws", data.WS))
	return &Handle{ProfileID: resourceID, WSAddress: data.WS, HTTPAddr: data.HTTP}, nil
}

func (p *Provider) Release(ctx context.Context, h engine.ResourceHandle) error {
	if h == nil {
		return nil
	}
	if err := p.post(ctx, "/browser/close", map[string]any{"id": h.ID()}, nil); err != nil {
		return fmt.Errorf("close profile %s: %w", h.ID(), err)
	}
	p.log.Debug("browser profile closed", logx.String("profile", h.ID()))
	return nil
}

// ListProfiles returns the ids of profiles the manager reports as usable.
// It backs the trigger's resource listing.
func (p *Provider) ListProfiles(ctx context.Context) ([]string, error) {
	var data struct {
		List []struct {
			ID string `json:"id"`
		} `json:"list"`
	}
	body := map[string]any{"page": 0, "pageSize": 100}
	if err := p.post(ctx, "/browser/list", body, &data); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(data.List))
	for _, e := range data.List {
		ids = append(ids, e.ID)
	}
	return ids, nil
}

// ListEnabled implements trigger.ResourceLister.
func (p *Provider) ListEnabled(ctx context.Context) ([]string, error) {
	return p.ListProfiles(ctx)
}

func (p *Provider) post(ctx context.Context, path string, body any, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("browser manager returned %s", resp.Status)
	}

	var api apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&api); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !api.Success {
		msg := api.Msg
		if msg == "" {
			msg = "unknown error"
		}
		return fmt.Errorf("browser manager: %s", msg)
	}
	if out != nil && len(api.Data) > 0 {
		if err := json.Unmarshal(api.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}
