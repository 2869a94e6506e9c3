// Package notion implements the system-of-record port against the Notion
// API: contacts live as pages in a database, keyed by phone and email
// properties, and page edit times drive the drift audit.
package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/platform/config"
	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/resolver/ports"
	"github.com/jbstanley2004/openphone-notion-live-sub000/pkg/platform/sentinel"
)

const (
	notionVersion = "2022-06-28"

	phoneProperty    = "Phone"
	emailProperty    = "Email"
	entityIDProperty = "Entity ID"

	maxRetries           = 2
	defaultRetryInterval = 250 * time.Millisecond
)

// Client talks to the Notion API. Transient failures (429, 5xx, network) are
// retried with exponential backoff inside the caller's deadline.
type Client struct {
	httpClient    *http.Client
	baseURL       string
	apiKey        string
	databaseID    string
	logger        *slog.Logger
	retryInterval time.Duration
}

var _ ports.SystemOfRecord = (*Client)(nil)

// Option customizes a Client.
type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithRetryInterval shortens the backoff base, mainly for tests.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.retryInterval = d
		}
	}
}

// New creates a Client from configuration.
func New(cfg config.Notion, opts ...Option) (*Client, error) {
	if cfg.DatabaseID == "" {
		return nil, fmt.Errorf("notion contacts database ID is required")
	}
	c := &Client{
		httpClient:    &http.Client{Timeout: cfg.Timeout},
		baseURL:       cfg.BaseURL,
		apiKey:        cfg.APIKey,
		databaseID:    cfg.DatabaseID,
		logger:        slog.Default(),
		retryInterval: defaultRetryInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type equalsMatch struct {
	Equals string `json:"equals"`
}

type queryFilter struct {
	Property    string       `json:"property"`
	PhoneNumber *equalsMatch `json:"phone_number,omitempty"`
	Email       *equalsMatch `json:"email,omitempty"`
}

type querySort struct {
	Timestamp string `json:"timestamp"`
	Direction string `json:"direction"`
}

type queryRequest struct {
	Filter   *queryFilter `json:"filter,omitempty"`
	Sorts    []querySort  `json:"sorts,omitempty"`
	PageSize int          `json:"page_size,omitempty"`
}

type richText struct {
	PlainText string `json:"plain_text"`
}

type pageProperty struct {
	Type     string     `json:"type"`
	Title    []richText `json:"title,omitempty"`
	RichText []richText `json:"rich_text,omitempty"`
}

type page struct {
	ID             string                  `json:"id"`
	LastEditedTime time.Time               `json:"last_edited_time"`
	Properties     map[string]pageProperty `json:"properties"`
}

type queryResponse struct {
	Results []page `json:"results"`
}

// LookupByPhone returns the page ID holding the normalized phone number, or
// "" when no contact matches.
func (c *Client) LookupByPhone(ctx context.Context, phone string) (string, error) {
	return c.lookup(ctx, queryFilter{
		Property:    phoneProperty,
		PhoneNumber: &equalsMatch{Equals: phone},
	})
}

// LookupByEmail returns the page ID holding the normalized email address, or
// "" when no contact matches.
func (c *Client) LookupByEmail(ctx context.Context, email string) (string, error) {
	return c.lookup(ctx, queryFilter{
		Property: emailProperty,
		Email:    &equalsMatch{Equals: email},
	})
}

func (c *Client) lookup(ctx context.Context, filter queryFilter) (string, error) {
	var out queryResponse
	err := c.doJSON(ctx, http.MethodPost,
		fmt.Sprintf("/v1/databases/%s/query", c.databaseID),
		queryRequest{Filter: &filter, PageSize: 1},
		&out,
	)
	if err != nil {
		return "", err
	}
	if len(out.Results) == 0 {
		return "", nil
	}
	return out.Results[0].ID, nil
}

// EntityMetadata fetches the page and extracts the secondary identity
// fields. Missing pages return sentinel.ErrNotFound.
func (c *Client) EntityMetadata(ctx context.Context, canonicalID string) (ports.EntityMetadata, error) {
	var p page
	err := c.doJSON(ctx, http.MethodGet, "/v1/pages/"+canonicalID, nil, &p)
	if err != nil {
		return ports.EntityMetadata{}, err
	}

	meta := ports.EntityMetadata{}
	for name, prop := range p.Properties {
		switch {
		case prop.Type == "title":
			meta.DisplayName = plainText(prop.Title)
		case name == entityIDProperty:
			meta.EntityID = plainText(prop.RichText)
		}
	}
	return meta, nil
}

// RecentlyChanged lists the most recently edited contact pages, newest first.
func (c *Client) RecentlyChanged(ctx context.Context, limit int) ([]ports.ChangedEntity, error) {
	var out queryResponse
	err := c.doJSON(ctx, http.MethodPost,
		fmt.Sprintf("/v1/databases/%s/query", c.databaseID),
		queryRequest{
			Sorts:    []querySort{{Timestamp: "last_edited_time", Direction: "descending"}},
			PageSize: limit,
		},
		&out,
	)
	if err != nil {
		return nil, err
	}

	changed := make([]ports.ChangedEntity, 0, len(out.Results))
	for _, p := range out.Results {
		changed = append(changed, ports.ChangedEntity{
			CanonicalID: p.ID,
			EditedAt:    p.LastEditedTime,
		})
	}
	return changed, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	operation := func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Notion-Version", notionVersion)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(fmt.Errorf("notion %s: %w", path, sentinel.ErrNotFound))
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("notion %s: status %d: %w", path, resp.StatusCode, sentinel.ErrUnavailable)
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("notion %s: status %d", path, resp.StatusCode))
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(fmt.Errorf("decode response: %w", err))
			}
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInterval
	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx))
}

func plainText(parts []richText) string {
	var s string
	for _, p := range parts {
		s += p.PlainText
	}
	return s
}
