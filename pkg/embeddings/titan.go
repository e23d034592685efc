// Package embeddings computes document vectors with Amazon Titan on Bedrock.
package embeddings

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/hashicorp/go-hclog"
)

const (
	DefaultRegion     = "us-east-1"
	DefaultModel      = "amazon.titan-embed-text-v2:0"
	DefaultDimensions = 1024

	// maxInputChars keeps requests under the model's token limit.
	maxInputChars = 40000
)

// InvokeModelAPI defines the Bedrock operation the embedder needs.
// This allows for testing with mocks.
type InvokeModelAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Config holds configuration for the Titan embedder.
type Config struct {
	Region     string
	Model      string
	Dimensions int
	Normalize  bool

	// AccessKey and SecretKey, when both set, replace the default AWS
	// credential chain.
	AccessKey string
	SecretKey string

	Logger hclog.Logger
}

// Titan generates embeddings with the Titan text embedding models.
type Titan struct {
	client     InvokeModelAPI
	model      string
	dimensions int
	normalize  bool
	logger     hclog.Logger
}

type titanRequest struct {
	InputText  string `json:"inputText"`
	Dimensions int    `json:"dimensions,omitempty"`
	Normalize  bool   `json:"normalize"`
}

type titanResponse struct {
	Embedding           []float32 `json:"embedding"`
	InputTextTokenCount int       `json:"inputTextTokenCount"`
}

// NewTitan creates a Titan embedder. Without static keys it uses the default
// AWS credential chain.
func NewTitan(ctx context.Context, cfg Config) (*Titan, error) {
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewTitanWithClient(bedrockruntime.NewFromConfig(awsCfg), cfg), nil
}

// NewTitanWithClient creates a Titan embedder on an existing client.
func NewTitanWithClient(client InvokeModelAPI, cfg Config) *Titan {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = DefaultDimensions
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	return &Titan{
		client:     client,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		normalize:  cfg.Normalize,
		logger:     cfg.Logger.Named("titan"),
	}
}

// Embed returns the embedding of text.
func (t *Titan) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("text is empty")
	}
	if len(text) > maxInputChars {
		text = text[:maxInputChars]
	}

	body, err := json.Marshal(titanRequest{
		InputText:  text,
		Dimensions: t.dimensions,
		Normalize:  t.normalize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	start := time.Now()
	out, err := t.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(t.model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock invoke failed: %w", err)
	}

	var resp titanResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("model %s returned no embedding", t.model)
	}

	t.logger.Trace("embedding generated",
		"model", t.model,
		"dimensions", len(resp.Embedding),
		"tokens", resp.InputTextTokenCount,
		"duration", time.Since(start),
	)
	return resp.Embedding, nil
}

// Model returns the model id.
func (t *Titan) Model() string {
	return t.model
}
