package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/127Wzc/imgtag/errs"
)

// Result is the parsed output of an analyze call: the free-form keyword
// candidates and the generated description.
type Result struct {
	Tags        []string
	Description string
	RawResponse string
}

// Adapter calls an OpenAI-compatible (or Gemini-shaped) vision
// completion endpoint and parses its response into a Result.
type Adapter struct {
	HTTPClient *http.Client
	APIBase    string
	APIKey     string
	Model      string
	Prompt     string
	reqRate    *rate.Limiter
}

// NewAdapter builds an Adapter with a 120s timeout client, matching the
// original service's per-call httpx timeout. Outbound calls are throttled
// to maxPerSecond (0 disables throttling) so a burst of analyze_image
// tasks can't overrun the configured vision API's rate limit.
func NewAdapter(apiBase, apiKey, model, prompt string, maxPerSecond float64) *Adapter {
	var limiter *rate.Limiter
	if maxPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(maxPerSecond), 1)
	}
	return &Adapter{
		HTTPClient: &http.Client{Timeout: 120 * time.Second},
		APIBase:    strings.TrimSuffix(apiBase, "/"),
		APIKey:     apiKey,
		Model:      model,
		Prompt:     prompt,
		reqRate:    limiter,
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []chatContent `json:"content"`
}

type chatContent struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

// openAIResponse covers the standard Chat Completions shape.
type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// geminiResponse covers the native Gemini generateContent shape, tried
// when the OpenAI-shaped fields are absent.
type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// Analyze sends imageData (already preprocessed) to the configured
// vision API and returns the parsed tags/description.
//
// Grounded on original_source's VisionService.analyze_image_base64 and
// _extract_content_from_response/_parse_response.
func (a *Adapter) Analyze(ctx context.Context, imageData []byte, mimeType string) (*Result, error) {
	if a.APIKey == "" {
		return nil, errs.Msg("vision.Adapter.Analyze", errs.Validation, "vision API key is not configured")
	}
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	if a.reqRate != nil {
		if err := a.reqRate.Wait(ctx); err != nil {
			return nil, fmt.Errorf("vision: rate limiter: %w", err)
		}
	}

	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(imageData))
	reqBody := chatRequest{
		Model: a.Model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []chatContent{
				{Type: "text", Text: a.Prompt},
				{Type: "image_url", ImageURL: &chatImageURL{URL: dataURL}},
			},
		}},
		Stream: false,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("vision: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.APIBase+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("vision: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return nil, errs.E("vision.Adapter.Analyze", errs.UpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.E("vision.Adapter.Analyze", errs.UpstreamUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errs.Msg("vision.Adapter.Analyze", errs.UpstreamUnavailable,
			fmt.Sprintf("vision API returned HTTP %d", resp.StatusCode))
	}

	content, err := extractContent(respBody)
	if err != nil {
		return nil, err
	}
	return parseResponse(content), nil
}

// extractContent tries the OpenAI choices[0].message.content shape
// first, falling back to the Gemini candidates[*].content.parts[*].text
// shape.
func extractContent(respBody []byte) (string, error) {
	var oa openAIResponse
	if err := json.Unmarshal(respBody, &oa); err == nil && len(oa.Choices) > 0 && oa.Choices[0].Message.Content != "" {
		return oa.Choices[0].Message.Content, nil
	}

	var g geminiResponse
	if err := json.Unmarshal(respBody, &g); err == nil {
		var b strings.Builder
		for _, c := range g.Candidates {
			for _, p := range c.Content.Parts {
				b.WriteString(p.Text)
			}
		}
		if b.Len() > 0 {
			return b.String(), nil
		}
	}

	return "", errs.Msg("vision.extractContent", errs.UpstreamUnavailable, "could not extract content from vision API response")
}

var jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)

type analysisPayload struct {
	Tags        []string `json:"tags"`
	Description string   `json:"description"`
}

// parseResponse extracts a {tags, description} JSON object from content
// by regex; on parse failure the raw text becomes the description with
// no tags, matching the original's degraded-mode fallback.
func parseResponse(content string) *Result {
	if m := jsonObjectPattern.FindString(content); m != "" {
		var payload analysisPayload
		if err := json.Unmarshal([]byte(m), &payload); err == nil {
			return &Result{Tags: payload.Tags, Description: payload.Description, RawResponse: content}
		}
	}
	return &Result{Tags: nil, Description: strings.TrimSpace(content), RawResponse: content}
}
