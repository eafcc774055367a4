package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v5"
)

// AnthropicConfig configures the Anthropic adapter.
type AnthropicConfig struct {
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	MaxTokens  int    `yaml:"max_tokens"`
	MaxRetries int    `yaml:"max_retries"`
}

// Anthropic adapts the Anthropic SDK to the Client interface with
// exponential-backoff retry around every call.
type Anthropic struct {
	client     anthropic.Client
	model      anthropic.Model
	maxTokens  int64
	maxRetries uint
	logger     *slog.Logger
}

// NewAnthropic builds the adapter. The API key falls back to the
// ANTHROPIC_API_KEY environment variable.
func NewAnthropic(cfg AnthropicConfig, logger *slog.Logger) (*Anthropic, error) {
	if logger == nil {
		logger = slog.Default()
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("anthropic api key not configured")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	return &Anthropic{
		client:     anthropic.NewClient(opts...),
		model:      anthropic.Model(model),
		maxTokens:  int64(maxTokens),
		maxRetries: uint(maxRetries),
		logger:     logger,
	}, nil
}

// Complete issues a non-streaming completion.
func (a *Anthropic) Complete(ctx context.Context, req Request) (*Response, error) {
	params, err := a.buildParams(req)
	if err != nil {
		return nil, err
	}
	msg, err := a.retry(ctx, func() (*anthropic.Message, error) {
		return a.client.Messages.New(ctx, params)
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic completion: %w", err)
	}
	return convertMessage(msg), nil
}

// Stream issues a streaming completion, forwarding text deltas to onText.
func (a *Anthropic) Stream(ctx context.Context, req Request, onText StreamFunc) (*Response, error) {
	params, err := a.buildParams(req)
	if err != nil {
		return nil, err
	}

	msg, err := a.retry(ctx, func() (*anthropic.Message, error) {
		stream := a.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()

		var acc anthropic.Message
		for stream.Next() {
			event := stream.Current()
			if err := acc.Accumulate(event); err != nil {
				return nil, backoff.Permanent(fmt.Errorf("accumulate stream: %w", err))
			}
			if onText == nil {
				continue
			}
			if ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
				if text := ev.Delta.AsTextDelta().Text; text != "" {
					if err := onText(text); err != nil {
						return nil, backoff.Permanent(err)
					}
				}
			}
		}
		if err := stream.Err(); err != nil {
			return nil, err
		}
		return &acc, nil
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic stream: %w", err)
	}
	return convertMessage(msg), nil
}

// retry runs fn with exponential backoff. Auth failures and context
// cancellation are permanent.
func (a *Anthropic) retry(ctx context.Context, fn func() (*anthropic.Message, error)) (*anthropic.Message, error) {
	operation := func() (*anthropic.Message, error) {
		msg, err := fn()
		if err == nil {
			return msg, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		if !retryable(err) {
			return nil, backoff.Permanent(err)
		}
		a.logger.Warn("provider call failed, retrying", "error", err)
		return nil, err
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(a.maxRetries),
	)
}

// retryable classifies provider errors. Client-side errors other than
// rate limiting are not worth retrying.
func retryable(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests, http.StatusInternalServerError,
			http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return apiErr.StatusCode >= 500
	}
	return true
}

// buildParams translates a Request into SDK params.
func (a *Anthropic) buildParams(req Request) (anthropic.MessageNewParams, error) {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: maxTokens,
		Messages:  convertHistory(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

// convertHistory maps engine messages to SDK message params.
func convertHistory(msgs []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, msg := range msgs {
		content := make([]anthropic.ContentBlockParamUnion, 0, len(msg.Content))
		for _, block := range msg.Content {
			switch block.Type {
			case BlockText:
				text := block.Text
				if text == "" {
					text = "."
				}
				content = append(content, anthropic.NewTextBlock(text))
			case BlockToolUse:
				content = append(content, anthropic.NewToolUseBlock(block.ToolID, block.ToolInput, block.ToolName))
			case BlockToolResult:
				content = append(content, anthropic.NewToolResultBlock(block.ToolID, block.ToolResult, block.IsError))
			}
		}
		if len(content) == 0 {
			content = append(content, anthropic.NewTextBlock("."))
		}
		role := anthropic.MessageParamRoleUser
		if msg.Role == RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: content})
	}
	return out
}

// convertTools maps tool schemas to SDK tool params.
func convertTools(tools []ToolSchema) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, def := range tools {
		schema, err := encodeSchema(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("tool %s schema: %w", def.Name, err)
		}
		tool := anthropic.ToolParam{Name: def.Name, InputSchema: schema}
		if def.Description != "" {
			tool.Description = anthropic.String(def.Description)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return out, nil
}

func encodeSchema(raw map[string]any) (anthropic.ToolInputSchemaParam, error) {
	if len(raw) == 0 {
		return anthropic.ToolInputSchemaParam{Type: "object"}, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return anthropic.ToolInputSchemaParam{}, err
	}
	var schema anthropic.ToolInputSchemaParam
	if err := json.Unmarshal(data, &schema); err != nil {
		return anthropic.ToolInputSchemaParam{}, err
	}
	if schema.Type == "" {
		schema.Type = "object"
	}
	return schema, nil
}

// convertMessage maps the SDK response back to engine blocks.
func convertMessage(msg *anthropic.Message) *Response {
	resp := &Response{
		StopReason: StopReason(msg.StopReason),
		Usage: Usage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		},
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Content = append(resp.Content, TextBlock(block.Text))
		case "tool_use":
			resp.Content = append(resp.Content, Block{
				Type:      BlockToolUse,
				ToolID:    block.ID,
				ToolName:  block.Name,
				ToolInput: decodeInput(block.Input),
			})
		}
	}
	return resp
}

func decodeInput(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}
