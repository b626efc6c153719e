// Package source reads authoritative entity snapshots from the document store's HTTP API.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/famgraph/internal/models"
)

// maxBody bounds a snapshot response.
const maxBody = 16 << 20

// HTTPSource implements domain.EntitySource over the snapshot API.
type HTTPSource struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *logrus.Logger
	backoff    func() retry.Backoff
}

// Option configures an HTTPSource.
type Option func(*HTTPSource)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(s *HTTPSource) { s.token = token }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *HTTPSource) { s.httpClient = hc }
}

// WithRetry sets the retry budget for transient failures.
func WithRetry(maxRetries uint64, base, maxDelay time.Duration) Option {
	return func(s *HTTPSource) {
		s.backoff = func() retry.Backoff {
			b := retry.NewExponential(base)
			b = retry.WithCappedDuration(maxDelay, b)
			return retry.WithMaxRetries(maxRetries, b)
		}
	}
}

// New creates a source for baseURL, e.g. "http://docstore:8080".
func New(baseURL string, log *logrus.Logger, opts ...Option) *HTTPSource {
	s := &HTTPSource{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log,
	}

	WithRetry(3, 200*time.Millisecond, 2*time.Second)(s)

	for _, o := range opts {
		o(s)
	}

	return s
}

// FetchEntity returns the current snapshot of key, or ErrEntityNotFound.
func (s *HTTPSource) FetchEntity(ctx context.Context, key models.NodeKey) (*models.Entity, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/v1/entities/%s/%s", url.PathEscape(string(key.EntityType)), url.PathEscape(key.ExternalID))

	var ent models.Entity
	if err := s.get(ctx, path, &ent); err != nil {
		return nil, err
	}

	if ent.Type == "" {
		ent.Type = key.EntityType
	}
	if ent.ExternalID == "" {
		ent.ExternalID = key.ExternalID
	}

	if ent.Key() != key {
		return nil, fmt.Errorf("%w: source returned %s for %s", models.ErrInvalidEvent, ent.Key(), key)
	}

	return &ent, nil
}

type familyEntities struct {
	Entities []models.Entity `json:"entities"`
}

// ListFamilyEntities returns every entity snapshot of a family.
func (s *HTTPSource) ListFamilyEntities(ctx context.Context, familyID string) ([]models.Entity, error) {
	if familyID == "" {
		return nil, models.ErrMissingFamily
	}

	var resp familyEntities
	if err := s.get(ctx, "/v1/families/"+url.PathEscape(familyID)+"/entities", &resp); err != nil {
		if errors.Is(err, models.ErrEntityNotFound) {
			return []models.Entity{}, nil
		}
		return nil, err
	}

	for i := range resp.Entities {
		if resp.Entities[i].FamilyID == "" {
			resp.Entities[i].FamilyID = familyID
		}
	}

	if resp.Entities == nil {
		resp.Entities = []models.Entity{}
	}

	return resp.Entities, nil
}

// get fetches path and decodes JSON into out, retrying transient failures.
func (s *HTTPSource) get(ctx context.Context, path string, out any) error {
	attempt := 0

	err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		attempt++

		err := s.once(ctx, path, out)
		if err != nil && errors.Is(err, models.ErrStoreUnavailable) {
			s.log.WithError(err).WithFields(logrus.Fields{"path": path, "attempt": attempt}).Debug("entity source request failed")
			return retry.RetryableError(err)
		}

		return err
	})
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	return nil
}

func (s *HTTPSource) once(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: entity source: %v", models.ErrStoreUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("%w: reading entity source response: %v", models.ErrStoreUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return models.ErrEntityNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: entity source returned %d", models.ErrStoreUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("entity source returned %d: %s", resp.StatusCode, truncate(body, 200))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode entity source response: %w", err)
	}

	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
