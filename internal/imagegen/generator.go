// Package imagegen restyles images with a Google generative image model.
package imagegen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"uniqua/internal/uniquafy"

	"google.golang.org/genai"
)

const (
	maxRetries          = 3
	defaultMaxInputSide = 1024
)

// ErrNoImage is returned when the model answers without an image part.
var ErrNoImage = errors.New("model returned no image")

// ContentGenerator is the subset of the genai client used here.
// *genai.Models satisfies it.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeneratorConfig configures a Generator.
type GeneratorConfig struct {
	Models       ContentGenerator
	Model        string
	Temperature  float32
	MaxInputSide int
	Timeout      time.Duration // per attempt; 0 means no extra bound
	Backoff      func(attempt int) time.Duration
	Logger       *slog.Logger
}

// Generator implements uniquafy.Transformer on top of GenerateContent.
type Generator struct {
	models       ContentGenerator
	model        string
	temperature  float32
	maxInputSide int
	timeout      time.Duration
	backoff      func(attempt int) time.Duration
	logger       *slog.Logger
}

var _ uniquafy.Transformer = (*Generator)(nil)

func NewGenerator(cfg GeneratorConfig) *Generator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxInputSide <= 0 {
		cfg.MaxInputSide = defaultMaxInputSide
	}
	if cfg.Backoff == nil {
		cfg.Backoff = jitterBackoff
	}
	return &Generator{
		models:       cfg.Models,
		model:        cfg.Model,
		temperature:  cfg.Temperature,
		maxInputSide: cfg.MaxInputSide,
		timeout:      cfg.Timeout,
		backoff:      cfg.Backoff,
		logger:       cfg.Logger,
	}
}

// NewClient builds a genai client for the given backend. The caller owns it.
func NewClient(ctx context.Context, backend, apiKey, project, location string, httpClient *http.Client) (*genai.Client, error) {
	cc := &genai.ClientConfig{HTTPClient: httpClient}
	switch backend {
	case "gemini":
		cc.Backend = genai.BackendGeminiAPI
		cc.APIKey = apiKey
	default:
		cc.Backend = genai.BackendVertexAI
		cc.Project = project
		cc.Location = location
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return client, nil
}

// Transform sends the prompt and the normalized image to the model and
// returns the first image in the answer.
func (g *Generator) Transform(ctx context.Context, img uniquafy.Image, prompt string) (uniquafy.Image, error) {
	input, err := Normalize(img.Data, g.maxInputSide)
	if err != nil {
		return uniquafy.Image{}, err
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(prompt),
			genai.NewPartFromBytes(input, "image/png"),
		}, genai.RoleUser),
	}
	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{string(genai.ModalityText), string(genai.ModalityImage)},
		Temperature:        genai.Ptr(g.temperature),
	}

	resp, err := g.generate(ctx, contents, config)
	if err != nil {
		return uniquafy.Image{}, err
	}
	return extractImage(resp)
}

func (g *Generator) generate(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := g.backoff(attempt)
			g.logger.Warn("retrying image generation", "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		start := time.Now()
		resp, err := g.call(ctx, contents, config)
		if err == nil {
			g.logger.Info("image generated", "model", g.model, "took", time.Since(start))
			return resp, nil
		}
		lastErr = err
		if !retryable(err) || ctx.Err() != nil {
			return nil, fmt.Errorf("generate content: %w", err)
		}
		g.logger.Warn("image generation failed, will retry", "err", err)
	}
	return nil, fmt.Errorf("generate content failed after %d retries: %w", maxRetries, lastErr)
}

func (g *Generator) call(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	return g.models.GenerateContent(ctx, g.model, contents, config)
}

// retryable reports whether err is a rate limit or server error.
func retryable(err error) bool {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500
	}
	return false
}

// extractImage returns the first inline image across all candidates.
func extractImage(resp *genai.GenerateContentResponse) (uniquafy.Image, error) {
	if resp == nil {
		return uniquafy.Image{}, ErrNoImage
	}
	var texts []string
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part == nil {
				continue
			}
			if part.InlineData != nil && len(part.InlineData.Data) > 0 &&
				strings.HasPrefix(part.InlineData.MIMEType, "image/") {
				return uniquafy.Image{Data: part.InlineData.Data, MIMEType: part.InlineData.MIMEType}, nil
			}
			if part.Text != "" {
				texts = append(texts, part.Text)
			}
		}
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return uniquafy.Image{}, fmt.Errorf("%w: prompt blocked (%s)", ErrNoImage, resp.PromptFeedback.BlockReason)
	}
	if len(texts) > 0 {
		return uniquafy.Image{}, fmt.Errorf("%w: %s", ErrNoImage, strings.Join(texts, " "))
	}
	return uniquafy.Image{}, ErrNoImage
}

func jitterBackoff(attempt int) time.Duration {
	base := time.Duration(attempt*attempt) * time.Second
	jitter := time.Duration(rand.Int64N(int64(base/2 + 1)))
	return base + jitter
}
