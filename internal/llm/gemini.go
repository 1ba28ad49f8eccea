package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// DefaultGeminiModel is used when no model is configured.
const DefaultGeminiModel = "gemini-1.5-flash"

// GeminiConfig contains configuration for the Gemini backend.
type GeminiConfig struct {
	Model string
	// APIKey falls back to GOOGLE_API_KEY.
	APIKey    string
	MaxTokens int
}

// Gemini is a Backend backed by Google's generative AI API.
type Gemini struct {
	client    *genai.Client
	model     string
	maxTokens int
}

// NewGemini creates a Gemini backend.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("GOOGLE_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: GOOGLE_API_KEY environment variable is not set", ErrUnavailable)
	}
	c, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	model := cfg.Model
	if model == "" {
		model = DefaultGeminiModel
	}
	return &Gemini{client: c, model: model, maxTokens: cfg.MaxTokens}, nil
}

// Name implements the optional naming hook used in logs.
func (g *Gemini) Name() string { return "gemini" }

// Close releases the underlying client.
func (g *Gemini) Close() error { return g.client.Close() }

// Generate runs one prompt. Tier hints are ignored; a hint naming a
// gemini model overrides the configured one.
func (g *Gemini) Generate(ctx context.Context, prompt string, opts Options) (*Response, error) {
	name := g.model
	if strings.HasPrefix(opts.ModelHint, "gemini-") {
		name = opts.ModelHint
	}
	model := g.client.GenerativeModel(name)
	if opts.System != "" {
		model.SystemInstruction = genai.NewUserContent(genai.Text(opts.System))
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = g.maxTokens
	}
	if maxTokens > 0 {
		model.SetMaxOutputTokens(int32(maxTokens))
	}
	if opts.Temperature > 0 {
		model.SetTemperature(float32(opts.Temperature))
	}

	start := time.Now()
	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	latency := time.Since(start)
	if err != nil {
		return nil, Classify(err)
	}

	var usage Usage
	if resp.UsageMetadata != nil {
		usage = Usage{
			Prompt:     int64(resp.UsageMetadata.PromptTokenCount),
			Completion: int64(resp.UsageMetadata.CandidatesTokenCount),
			Total:      int64(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return &Response{
		Content: allText(resp),
		Tokens:  usage,
		Latency: latency,
		Cost:    EstimateCost(name, usage),
		Model:   name,
	}, nil
}

func allText(r *genai.GenerateContentResponse) string {
	if r == nil {
		return ""
	}
	var sb strings.Builder
	for _, c := range r.Candidates {
		if c.Content == nil {
			continue
		}
		for _, part := range c.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				sb.WriteString(string(t))
			}
		}
		// First candidate only.
		break
	}
	return sb.String()
}
