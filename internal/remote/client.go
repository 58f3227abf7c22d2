// Package remote provides the narrow interface to the server-owned entity
// API and the connectivity signal. The engine never talks to the network
// except through this package.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/tutordesk/tutordesk/client/internal/errors"
	"github.com/tutordesk/tutordesk/client/internal/models"
)

// Service is the remote entity API as seen by the engine: full-collection
// reads plus per-entity writes. Every returned record carries the
// server-set updated_at timestamp used for conflict comparison.
type Service interface {
	FetchAll(ctx context.Context, t models.EntityType) ([]*models.Record, error)
	Create(ctx context.Context, t models.EntityType, rec *models.Record) (*models.Record, error)
	Update(ctx context.Context, t models.EntityType, id string, rec *models.Record) (*models.Record, error)
	Delete(ctx context.Context, t models.EntityType, id string) error
}

// envelope is the wire format every endpoint answers with.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Client is the HTTP implementation of Service.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

// ClientConfig holds remote client configuration.
type ClientConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration // per-call bound; a timed-out call counts as a failure
	// RequestsPerSecond throttles outbound calls so a drain of a large
	// queue doesn't hammer the server. Zero disables throttling.
	RequestsPerSecond float64
}

// NewClient creates a remote API client.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
		limiter: limiter,
	}
}

// FetchAll returns the complete remote collection for one entity type.
func (c *Client) FetchAll(ctx context.Context, t models.EntityType) ([]*models.Record, error) {
	body, err := c.do(ctx, http.MethodGet, c.collectionURL(t), nil)
	if err != nil {
		return nil, err
	}

	var docs []json.RawMessage
	if err := json.Unmarshal(body, &docs); err != nil {
		return nil, errors.Wrap(errors.ErrRemoteRejected, fmt.Sprintf("malformed %s collection", t), err)
	}

	records := make([]*models.Record, 0, len(docs))
	for _, doc := range docs {
		rec, err := models.RecordFromJSON(doc)
		if err != nil {
			return nil, errors.Wrap(errors.ErrRemoteRejected, fmt.Sprintf("malformed %s record", t), err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Create pushes a locally created entity to the server.
func (c *Client) Create(ctx context.Context, t models.EntityType, rec *models.Record) (*models.Record, error) {
	body, err := c.do(ctx, http.MethodPost, c.collectionURL(t), rec.Data)
	if err != nil {
		return nil, err
	}
	return models.RecordFromJSON(body)
}

// Update pushes a local entity version to the server.
func (c *Client) Update(ctx context.Context, t models.EntityType, id string, rec *models.Record) (*models.Record, error) {
	body, err := c.do(ctx, http.MethodPut, c.entityURL(t, id), rec.Data)
	if err != nil {
		return nil, err
	}
	return models.RecordFromJSON(body)
}

// Delete removes an entity on the server.
func (c *Client) Delete(ctx context.Context, t models.EntityType, id string) error {
	_, err := c.do(ctx, http.MethodDelete, c.entityURL(t, id), nil)
	return err
}

func (c *Client) collectionURL(t models.EntityType) string {
	return fmt.Sprintf("%s/api/%s", c.baseURL, t)
}

func (c *Client) entityURL(t models.EntityType, id string) string {
	return fmt.Sprintf("%s/api/%s/%s", c.baseURL, t, id)
}

// do performs one API call and unwraps the response envelope.
func (c *Client) do(ctx context.Context, method, url string, payload []byte) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		code := errors.ErrRemoteUnreachable
		var netErr net.Error
		if stderrors.As(err, &netErr) && netErr.Timeout() {
			code = errors.ErrRemoteTimeout
		}
		return nil, errors.Wrap(code, fmt.Sprintf("%s %s", method, url), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(errors.ErrRemoteRejected, "reading response", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.Wrap(errors.ErrRemoteRejected,
			fmt.Sprintf("malformed response (status %d)", resp.StatusCode), err)
	}
	if !env.Success {
		msg := env.Message
		if msg == "" {
			msg = fmt.Sprintf("request failed with status %d", resp.StatusCode)
		}
		return nil, errors.New(errors.ErrRemoteRejected, msg)
	}
	return env.Data, nil
}
