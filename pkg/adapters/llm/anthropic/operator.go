package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aescanero/dagrun/internal/application/operators"
	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"
)

// OperatorName is the name the operator is registered under
const OperatorName = "llm"

// Defaults used when neither the task nor the config sets them
const (
	DefaultModel     = "claude-sonnet-4-5"
	DefaultMaxTokens = 1024
)

// CallRecorder receives one sample per API call
type CallRecorder interface {
	RecordLLMCall(model, status string, latency time.Duration, inputTokens, outputTokens int64)
}

// Config holds operator configuration
type Config struct {
	APIKey    string
	Model     string
	MaxTokens int
	BaseURL   string
	// MaxRetries is the SDK's own retry budget per attempt; task retries
	// are handled by the engine's retry policy.
	MaxRetries int
}

// Operator sends a prompt to the Anthropic Messages API and returns the
// reply text as task output
type Operator struct {
	client    anthropic.Client
	model     string
	maxTokens int
	metrics   CallRecorder
	logger    *zap.Logger
}

// NewOperator creates an operator. metrics may be nil.
func NewOperator(cfg Config, metrics CallRecorder, logger *zap.Logger) (*Operator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	return &Operator{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		metrics:   metrics,
		logger:    logger,
	}, nil
}

// Spec describes the operator parameters
func (o *Operator) Spec() operators.Spec {
	return SpecFor(o.model)
}

// SpecFor is the catalog entry of an operator defaulting to model
func SpecFor(model string) operators.Spec {
	return operators.Spec{
		Description: "Sends a prompt to the Anthropic Messages API and returns the reply",
		Params: []operators.ParamSpec{
			{Name: "prompt", Type: operators.ParamString, Required: true, Description: "user message"},
			{Name: "system", Type: operators.ParamString, Description: "system prompt"},
			{Name: "model", Type: operators.ParamString, Description: "model name, defaults to " + model},
			{Name: "max_tokens", Type: operators.ParamNumber, Description: "reply token limit"},
			{Name: "temperature", Type: operators.ParamNumber},
		},
		DefaultResources: domain.ResourceRequirement{CPU: 0.1, Memory: 0.1, Timeout: 120},
	}
}

// Register adds the operator to a registry
func Register(r *operators.Registry, o *Operator) error {
	return r.Register(OperatorName, o, o.Spec())
}

// Invoke implements operators.Operator
func (o *Operator) Invoke(ctx context.Context, inv *operators.Invocation) (map[string]any, error) {
	prompt := operators.String(inv.Params, "prompt", "")
	if strings.TrimSpace(prompt) == "" {
		return nil, domain.Fatal(domain.CodeOperatorError, errors.New("prompt is required"))
	}

	model := operators.String(inv.Params, "model", o.model)
	maxTokens := o.maxTokens
	if n, ok := operators.Number(inv.Params, "max_tokens"); ok && n > 0 {
		maxTokens = int(n)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system := operators.String(inv.Params, "system", ""); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if temp, ok := operators.Number(inv.Params, "temperature"); ok {
		params.Temperature = anthropic.Float(temp)
	}

	if inv.Logf != nil {
		inv.Logf("calling %s (max_tokens=%d)", model, maxTokens)
	}

	start := time.Now()
	msg, err := o.client.Messages.New(ctx, params)
	latency := time.Since(start)
	if err != nil {
		o.record(model, "error", latency, 0, 0)
		o.logger.Warn("llm call failed",
			zap.String("run_id", inv.RunID),
			zap.String("task_id", inv.TaskID),
			zap.String("model", model),
			zap.Error(err))
		return nil, classify(ctx, err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	o.record(model, "success", latency, msg.Usage.InputTokens, msg.Usage.OutputTokens)
	o.logger.Debug("llm call completed",
		zap.String("run_id", inv.RunID),
		zap.String("task_id", inv.TaskID),
		zap.String("model", string(msg.Model)),
		zap.Int64("input_tokens", msg.Usage.InputTokens),
		zap.Int64("output_tokens", msg.Usage.OutputTokens),
		zap.Duration("latency", latency))

	return map[string]any{
		"text":          text.String(),
		"model":         string(msg.Model),
		"stop_reason":   string(msg.StopReason),
		"input_tokens":  msg.Usage.InputTokens,
		"output_tokens": msg.Usage.OutputTokens,
	}, nil
}

func (o *Operator) record(model, status string, latency time.Duration, in, out int64) {
	if o.metrics != nil {
		o.metrics.RecordLLMCall(model, status, latency, in, out)
	}
}

// classify maps API errors onto task errors: rate limits, overload and
// server errors may be retried, other client errors may not
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests,
			apiErr.StatusCode == http.StatusRequestTimeout,
			apiErr.StatusCode >= 500:
			return domain.Transient("llm_unavailable", err)
		default:
			return domain.Fatal("llm_rejected", err)
		}
	}
	return domain.Transient("llm_unavailable", err)
}
