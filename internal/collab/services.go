package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// APIClient calls the CRUD service that owns skills and memories. Only the
// two read paths the transport needs are exposed here.
type APIClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewAPIClient(baseURL, apiKey string) *APIClient {
	return &APIClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// Fetch returns a skill definition by ID and version, scoped to the
// requesting user. An empty version resolves to the latest.
func (c *APIClient) Fetch(ctx context.Context, userID, skillID, version string) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("user_id", userID)
	if version != "" {
		q.Set("version", version)
	}
	return c.get(ctx, fmt.Sprintf("/internal/skills/%s?%s", url.PathEscape(skillID), q.Encode()))
}

// Search runs a memory search for the user.
func (c *APIClient) Search(ctx context.Context, userID, query string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("user_id", userID)
	q.Set("q", query)
	q.Set("limit", strconv.Itoa(limit))
	return c.get(ctx, "/internal/memories/search?"+q.Encode())
}

func (c *APIClient) get(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("api %s returned %d", path, resp.StatusCode)
	}
	return body, nil
}
