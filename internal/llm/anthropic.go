package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"
)

// tierModels maps tier hints onto concrete Claude models.
var tierModels = map[string]anthropic.Model{
	"scout":     anthropic.ModelClaudeHaiku4_5_20251001,
	"builder":   anthropic.ModelClaudeSonnet4_20250514,
	"architect": anthropic.ModelClaudeOpus4_5_20251101,
}

// AnthropicConfig contains configuration for the Claude backend.
type AnthropicConfig struct {
	// Model is the default model. Empty means Sonnet 4.
	Model string
	// APIKey is the Anthropic API key. If empty, uses ANTHROPIC_API_KEY env var.
	APIKey string
	// UseAWSBedrock indicates whether to use AWS Bedrock instead of direct API.
	UseAWSBedrock bool
	// AWSRegion is the AWS region for Bedrock (e.g., "us-west-2").
	AWSRegion string
	// AWSProfile is the optional AWS profile name to use.
	AWSProfile string
	// MaxTokens is used when a call does not set its own limit.
	MaxTokens int
}

// Anthropic is a Backend backed by the Claude Messages API.
type Anthropic struct {
	inner     anthropic.Client
	model     anthropic.Model
	bedrock   bool
	maxTokens int
}

// NewAnthropic creates a Claude backend, either direct or through Bedrock.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	var opts []option.RequestOption

	if cfg.UseAWSBedrock {
		ctx := context.Background()

		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}

		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("%w: ANTHROPIC_API_KEY environment variable is not set", ErrUnavailable)
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	return &Anthropic{
		inner:     anthropic.NewClient(opts...),
		model:     model,
		bedrock:   cfg.UseAWSBedrock,
		maxTokens: maxTokens,
	}, nil
}

// Name implements the optional naming hook used in logs.
func (a *Anthropic) Name() string {
	if a.bedrock {
		return "anthropic-bedrock"
	}
	return "anthropic"
}

// resolveModel picks the model for a hint. Tier names map through
// tierModels; anything else that looks like a Claude model is used as-is.
func (a *Anthropic) resolveModel(hint string) anthropic.Model {
	if m, ok := tierModels[strings.ToLower(hint)]; ok {
		return m
	}
	if strings.HasPrefix(hint, "claude-") {
		return anthropic.Model(hint)
	}
	return a.model
}

// Generate sends one user turn and returns the concatenated text reply.
func (a *Anthropic) Generate(ctx context.Context, prompt string, opts Options) (*Response, error) {
	model := a.resolveModel(opts.ModelHint)
	wire := model
	if a.bedrock {
		wire = translateModelForBedrock(model)
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     wire,
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if opts.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: opts.System}}
	}
	if opts.Temperature > 0 {
		params.Temperature = anthropic.Float(opts.Temperature)
	}

	start := time.Now()
	resp, err := a.inner.Messages.New(ctx, params)
	latency := time.Since(start)
	if err != nil {
		return nil, Classify(err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(tb.Text)
		}
	}

	usage := Usage{
		Prompt:     resp.Usage.InputTokens,
		Completion: resp.Usage.OutputTokens,
		Total:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}
	return &Response{
		Content: text.String(),
		Tokens:  usage,
		Latency: latency,
		Cost:    EstimateCost(string(model), usage),
		Model:   string(model),
	}, nil
}

// translateModelForBedrock converts standard Anthropic model names to Bedrock inference profile format.
// Bedrock uses cross-region inference profiles: us.anthropic.{model}-v1:0
func translateModelForBedrock(model anthropic.Model) anthropic.Model {
	bedrockModels := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		anthropic.ModelClaudeOpus4_1_20250805:   "us.anthropic.claude-opus-4-1-20250805-v1:0",
		anthropic.ModelClaudeOpus4_5_20251101:   "us.anthropic.claude-opus-4-5-20251101-v1:0",
		anthropic.ModelClaude3_5Haiku20241022:   "us.anthropic.claude-3-5-haiku-20241022-v1:0",
	}

	if bedrockModel, ok := bedrockModels[model]; ok {
		return anthropic.Model(bedrockModel)
	}
	// Might already be Bedrock format or a custom model.
	return model
}
