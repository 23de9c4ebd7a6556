// Package provider adapts external content classification services to the
// moderation queue.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"nodeimage/internal/models"
	"nodeimage/internal/moderation"
)

// URLSigner turns a stored object reference into a URL the provider can fetch.
type URLSigner interface {
	SignedURL(ctx context.Context, key string) (string, error)
}

// HTTPProvider posts an image URL to a scoring service and flags the image
// when the returned score reaches the block threshold.
type HTTPProvider struct {
	endpoint  string
	apiKey    string
	name      string
	threshold float64
	signer    URLSigner
	http      *http.Client
	limiter   *rate.Limiter
}

var _ moderation.Provider = (*HTTPProvider)(nil)

type Option func(*HTTPProvider)

func WithHTTPClient(c *http.Client) Option {
	return func(p *HTTPProvider) { p.http = c }
}

// WithRateLimit caps outgoing calls. A non-positive rps disables pacing.
func WithRateLimit(rps float64, burst int) Option {
	return func(p *HTTPProvider) {
		if rps <= 0 {
			p.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithName(name string) Option {
	return func(p *HTTPProvider) {
		if name != "" {
			p.name = name
		}
	}
}

func NewHTTPProvider(endpoint, apiKey string, threshold float64, signer URLSigner, opts ...Option) *HTTPProvider {
	p := &HTTPProvider{
		endpoint:  endpoint,
		apiKey:    apiKey,
		name:      "nsfw-http",
		threshold: threshold,
		signer:    signer,
		http:      &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type moderateRequest struct {
	ID       string `json:"id"`
	ImageURL string `json:"imageUrl"`
	Name     string `json:"name"`
}

type moderateResponse struct {
	Score  *float64 `json:"score"`
	Labels []string `json:"labels,omitempty"`
}

func (p *HTTPProvider) Moderate(ctx context.Context, req moderation.Request) (models.Verdict, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return models.Verdict{}, fmt.Errorf("%w: rate limit wait: %w", moderation.ErrProviderUnavailable, err)
		}
	}

	imageURL := req.SubjectRef
	if p.signer != nil {
		signed, err := p.signer.SignedURL(ctx, req.SubjectRef)
		if err != nil {
			return models.Verdict{}, fmt.Errorf("%w: %w", moderation.ErrProviderUnavailable, err)
		}
		imageURL = signed
	}

	var resp moderateResponse
	if err := p.post(ctx, "/v1/moderate", moderateRequest{
		ID:       req.SubjectID,
		ImageURL: imageURL,
		Name:     req.ArtifactName,
	}, &resp); err != nil {
		return models.Verdict{}, err
	}
	if resp.Score == nil {
		return models.Verdict{}, fmt.Errorf("%w: response without score", moderation.ErrProviderRejected)
	}

	return models.Verdict{
		IsFlagged: *resp.Score >= p.threshold,
		Score:     *resp.Score,
		Provider:  p.name,
	}, nil
}

func (p *HTTPProvider) post(ctx context.Context, path string, payload any, v any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: do request: %w", moderation.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("%w: read response: %w", moderation.ErrProviderUnavailable, err)
		}
		return fmt.Errorf("%w: decode response: %w", moderation.ErrProviderRejected, err)
	}
	return nil
}

// classifyStatus maps throttling and server errors to unavailability and
// other client errors to rejection.
func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode >= 500:
		return fmt.Errorf("%w: unexpected status %s", moderation.ErrProviderUnavailable, resp.Status)
	default:
		return fmt.Errorf("%w: unexpected status %s", moderation.ErrProviderRejected, resp.Status)
	}
}
