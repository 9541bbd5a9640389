package imagegen

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"testing"
	"time"

	"uniqua/internal/uniquafy"

	"google.golang.org/genai"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func decodeSize(t *testing.T, data []byte) (int, int) {
	t.Helper()
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("output is not png: %v", err)
	}
	return cfg.Width, cfg.Height
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name         string
		w, h, max    int
		wantW, wantH int
	}{
		{"landscape downscaled", 400, 200, 100, 100, 50},
		{"portrait downscaled", 150, 300, 100, 50, 100},
		{"within bounds", 80, 60, 100, 80, 60},
		{"no limit", 300, 300, 0, 300, 300},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Normalize(encodeJPEG(t, tt.w, tt.h), tt.max)
			if err != nil {
				t.Fatalf("normalize: %v", err)
			}
			if w, h := decodeSize(t, out); w != tt.wantW || h != tt.wantH {
				t.Fatalf("got %dx%d, want %dx%d", w, h, tt.wantW, tt.wantH)
			}
		})
	}
}

func TestNormalize_InvalidData(t *testing.T) {
	if _, err := Normalize([]byte("not an image"), 100); err == nil {
		t.Fatal("expected decode error")
	}
}

type fakeModels struct {
	responses []*genai.GenerateContentResponse
	errs      []error
	calls     int
	lastModel string
	lastParts []*genai.Part
	lastCfg   *genai.GenerateContentConfig
}

func (f *fakeModels) GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	i := f.calls
	f.calls++
	f.lastModel = model
	f.lastParts = contents[0].Parts
	f.lastCfg = config
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	return f.responses[min(i, len(f.responses)-1)], nil
}

func imageResponse(data []byte) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{
				{Text: "here you go"},
				{InlineData: &genai.Blob{Data: data, MIMEType: "image/png"}},
			}},
		}},
	}
}

func newTestGenerator(models ContentGenerator) *Generator {
	return NewGenerator(GeneratorConfig{
		Models:       models,
		Model:        "test-image-model",
		Temperature:  0.5,
		MaxInputSide: 64,
		Backoff:      func(int) time.Duration { return time.Millisecond },
		Logger:       testLogger(),
	})
}

func TestTransform_ReturnsInlineImage(t *testing.T) {
	models := &fakeModels{responses: []*genai.GenerateContentResponse{imageResponse([]byte("styled"))}}
	g := newTestGenerator(models)

	out, err := g.Transform(context.Background(), uniquafy.Image{Data: encodeJPEG(t, 128, 32), MIMEType: "image/jpeg"}, "make it pink")
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	if string(out.Data) != "styled" || out.MIMEType != "image/png" {
		t.Fatalf("unexpected output %+v", out)
	}
	if models.lastModel != "test-image-model" {
		t.Fatalf("unexpected model %q", models.lastModel)
	}
	if len(models.lastParts) != 2 || models.lastParts[0].Text != "make it pink" {
		t.Fatalf("unexpected request parts %+v", models.lastParts)
	}
	sent := models.lastParts[1].InlineData
	if sent == nil || sent.MIMEType != "image/png" {
		t.Fatalf("expected normalized png input, got %+v", sent)
	}
	if w, h := decodeSize(t, sent.Data); w != 64 || h != 16 {
		t.Fatalf("input should be downscaled to 64x16, got %dx%d", w, h)
	}
	if len(models.lastCfg.ResponseModalities) != 2 || *models.lastCfg.Temperature != 0.5 {
		t.Fatalf("unexpected config %+v", models.lastCfg)
	}
}

func TestTransform_NilLogger(t *testing.T) {
	models := &fakeModels{responses: []*genai.GenerateContentResponse{imageResponse([]byte("styled"))}}
	g := NewGenerator(GeneratorConfig{Models: models, Model: "m"})
	if _, err := g.Transform(context.Background(), uniquafy.Image{Data: encodeJPEG(t, 8, 8), MIMEType: "image/jpeg"}, "p"); err != nil {
		t.Fatalf("transform: %v", err)
	}
}

func TestTransform_RetriesTransientErrors(t *testing.T) {
	models := &fakeModels{
		errs:      []error{genai.APIError{Code: 429}, genai.APIError{Code: 503}},
		responses: []*genai.GenerateContentResponse{imageResponse([]byte("ok"))},
	}
	g := newTestGenerator(models)

	if _, err := g.Transform(context.Background(), uniquafy.Image{Data: encodeJPEG(t, 8, 8)}, "p"); err != nil {
		t.Fatalf("transform: %v", err)
	}
	if models.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", models.calls)
	}
}

func TestTransform_DoesNotRetryClientErrors(t *testing.T) {
	models := &fakeModels{errs: []error{genai.APIError{Code: 400, Message: "bad request"}}}
	g := newTestGenerator(models)

	_, err := g.Transform(context.Background(), uniquafy.Image{Data: encodeJPEG(t, 8, 8)}, "p")
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != 400 {
		t.Fatalf("expected wrapped APIError 400, got %v", err)
	}
	if models.calls != 1 {
		t.Fatalf("expected a single call, got %d", models.calls)
	}
}

func TestTransform_GivesUpAfterMaxRetries(t *testing.T) {
	errs := make([]error, maxRetries+1)
	for i := range errs {
		errs[i] = genai.APIError{Code: 500}
	}
	models := &fakeModels{errs: errs}
	g := newTestGenerator(models)

	if _, err := g.Transform(context.Background(), uniquafy.Image{Data: encodeJPEG(t, 8, 8)}, "p"); err == nil {
		t.Fatal("expected error")
	}
	if models.calls != maxRetries+1 {
		t.Fatalf("expected %d calls, got %d", maxRetries+1, models.calls)
	}
}

func TestExtractImage(t *testing.T) {
	tests := []struct {
		name string
		resp *genai.GenerateContentResponse
		want string
	}{
		{"nil response", nil, ""},
		{"no candidates", &genai.GenerateContentResponse{}, ""},
		{"text only", &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: "I can't do that"}}},
		}}}, ""},
		{"blocked", &genai.GenerateContentResponse{
			PromptFeedback: &genai.GenerateContentResponsePromptFeedback{BlockReason: "SAFETY"},
		}, ""},
		{"image in second candidate", &genai.GenerateContentResponse{Candidates: []*genai.Candidate{
			{Content: &genai.Content{Parts: []*genai.Part{{Text: "hmm"}}}},
			{Content: &genai.Content{Parts: []*genai.Part{{InlineData: &genai.Blob{Data: []byte("img"), MIMEType: "image/webp"}}}}},
		}}, "img"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := extractImage(tt.resp)
			if tt.want == "" {
				if !errors.Is(err, ErrNoImage) {
					t.Fatalf("expected ErrNoImage, got %v", err)
				}
				return
			}
			if err != nil || string(img.Data) != tt.want {
				t.Fatalf("got %q, %v", img.Data, err)
			}
		})
	}
}
