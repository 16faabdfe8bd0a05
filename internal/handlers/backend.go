package handlers

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

	"offlinequeue/internal/models"
)

// BackendClient performs the mutations against the managed backend over HTTP.
type BackendClient struct {
	baseURL    string
	apiKey     string
	clientID   string
	httpClient *http.Client
}

func NewBackendClient(baseURL, apiKey, clientID string, timeout time.Duration) *BackendClient {
	if timeout <= 0 {
		timeout = models.DefaultBackendTimeout
	}
	return &BackendClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		clientID:   clientID,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *BackendClient) CreateUpdate(ctx context.Context, p models.CreateUpdatePayload) error {
	return c.doPost(ctx, c.baseURL+"/api/v1/updates", p)
}

func (c *BackendClient) CreateComment(ctx context.Context, p models.CreateCommentPayload) error {
	if p.UpdateID == "" {
		return fmt.Errorf("create comment: update_id is required")
	}
	endpoint := fmt.Sprintf("%s/api/v1/updates/%s/comments", c.baseURL, url.PathEscape(p.UpdateID))
	return c.doPost(ctx, endpoint, p)
}

func (c *BackendClient) ToggleReaction(ctx context.Context, p models.ToggleReactionPayload) error {
	return c.doPost(ctx, c.baseURL+"/api/v1/reactions/toggle", p)
}

func (c *BackendClient) doPost(ctx context.Context, endpoint string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.addHeaders(ctx, req)
	return c.do(req)
}

func (c *BackendClient) do(req *http.Request) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: http %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *BackendClient) addHeaders(ctx context.Context, req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
	if c.clientID != "" {
		req.Header.Set("x-client-id", c.clientID)
	}
	if id, ok := OperationIDFromContext(ctx); ok {
		req.Header.Set("Idempotency-Key", string(id))
	}
}
