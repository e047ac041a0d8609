package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPProvider drives a fleet-manager service over its REST API. Each
// method maps to one fleet endpoint; the fleet owns the actual compute.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPProvider(baseURL, apiKey string) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 90 * time.Second},
	}
}

type backendResponse struct {
	ID      string `json:"id"`
	DiskRef string `json:"disk_ref"`
}

func (p *HTTPProvider) Prewarm(ctx context.Context) (Backend, error) {
	var resp backendResponse
	if err := p.do(ctx, http.MethodPost, "/backends", map[string]any{}, &resp); err != nil {
		return Backend{}, err
	}
	return Backend{ID: resp.ID, DiskRef: resp.DiskRef}, nil
}

func (p *HTTPProvider) Attach(ctx context.Context, diskRef string) (Backend, error) {
	var resp backendResponse
	if err := p.do(ctx, http.MethodPost, "/backends", map[string]any{"disk_ref": diskRef}, &resp); err != nil {
		return Backend{}, err
	}
	return Backend{ID: resp.ID, DiskRef: resp.DiskRef}, nil
}

func (p *HTTPProvider) Configure(ctx context.Context, backendID string, boot BootParams) error {
	body := map[string]any{
		"control_url": boot.ControlURL,
		"token":       boot.Token,
		"ticket":      boot.Ticket,
	}
	return p.do(ctx, http.MethodPost, "/backends/"+backendID+"/configure", body, nil)
}

func (p *HTTPProvider) Destroy(ctx context.Context, backendID string) error {
	return p.do(ctx, http.MethodDelete, "/backends/"+backendID, nil, nil)
}

func (p *HTTPProvider) Freeze(ctx context.Context, backendID string) error {
	return p.do(ctx, http.MethodPost, "/backends/"+backendID+"/freeze", nil, nil)
}

func (p *HTTPProvider) Thaw(ctx context.Context, backendID string) error {
	return p.do(ctx, http.MethodPost, "/backends/"+backendID+"/thaw", nil, nil)
}

func (p *HTTPProvider) Probe(ctx context.Context, backendID string) error {
	return p.do(ctx, http.MethodGet, "/backends/"+backendID+"/health", nil, nil)
}

func (p *HTTPProvider) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("fleet %s %s returned %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
