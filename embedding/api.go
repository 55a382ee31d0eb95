package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/127Wzc/imgtag/errs"
)

// APIAdapter calls an OpenAI-compatible /embeddings endpoint.
type APIAdapter struct {
	HTTPClient *http.Client
	APIBase    string
	APIKey     string
	Model      string
	dims       int
	reqRate    *rate.Limiter
}

// NewAPIAdapter builds an APIAdapter targeting apiBase/model, returning
// vectors of width dims (passed through as the request's "dimensions"
// field, matching the original embedding service's API mode). Outbound
// calls are throttled to maxPerSecond (0 disables throttling).
func NewAPIAdapter(apiBase, apiKey, model string, dims int, maxPerSecond float64) *APIAdapter {
	var limiter *rate.Limiter
	if maxPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(maxPerSecond), 1)
	}
	return &APIAdapter{
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		APIBase:    strings.TrimSuffix(apiBase, "/"),
		APIKey:     apiKey,
		Model:      model,
		dims:       dims,
		reqRate:    limiter,
	}
}

// Dimensions reports the adapter's configured output width.
func (a *APIAdapter) Dimensions() int { return a.dims }

type embeddingsRequest struct {
	Model      string `json:"model"`
	Input      string `json:"input"`
	Dimensions int    `json:"dimensions,omitempty"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed calls the embeddings endpoint for text.
func (a *APIAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	if a.APIKey == "" {
		return nil, errs.Msg("embedding.APIAdapter.Embed", errs.Validation, "embedding API key is not configured")
	}
	if a.reqRate != nil {
		if err := a.reqRate.Wait(ctx); err != nil {
			return nil, fmt.Errorf("embedding: rate limiter: %w", err)
		}
	}

	reqBody, err := json.Marshal(embeddingsRequest{Model: a.Model, Input: strings.TrimSpace(text), Dimensions: a.dims})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.APIBase+"/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("embedding: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return nil, errs.E("embedding.APIAdapter.Embed", errs.UpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.E("embedding.APIAdapter.Embed", errs.UpstreamUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errs.Msg("embedding.APIAdapter.Embed", errs.UpstreamUnavailable,
			fmt.Sprintf("embedding API returned HTTP %d", resp.StatusCode))
	}

	var parsed embeddingsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("embedding: parse response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, errs.Msg("embedding.APIAdapter.Embed", errs.UpstreamUnavailable, "embedding API returned no data")
	}
	return parsed.Data[0].Embedding, nil
}
