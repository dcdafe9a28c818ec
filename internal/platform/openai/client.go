package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/yungbote/marketbench-backend/internal/platform/envutil"
	"github.com/yungbote/marketbench-backend/internal/platform/logger"
)

const defaultModel = "gpt-4o"

var (
	ErrRateLimited     = errors.New("openai: rate limited")
	ErrUnauthenticated = errors.New("openai: unauthenticated")
	ErrUpstream        = errors.New("openai: upstream error")
)

// CompletionRequest is one prompt in, one text blob out.
type CompletionRequest struct {
	System      string
	User        string
	MaxTokens   int
	Temperature float64
	Model       string
}

type Completion struct {
	Text             string
	Model            string
	FinishReason     string
	PromptTokens     int64
	CompletionTokens int64
}

// Client is the chat completion surface the report generator needs.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
}

type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

func ConfigFromEnv() Config {
	return Config{
		APIKey:     envutil.String("OPENAI_API_KEY", ""),
		BaseURL:    envutil.String("OPENAI_BASE_URL", ""),
		Model:      envutil.String("OPENAI_MODEL", defaultModel),
		Timeout:    envutil.Seconds("OPENAI_HTTP_TIMEOUT_SECONDS", 5*time.Minute),
		MaxRetries: envutil.Int("OPENAI_MAX_RETRIES", 2),
	}
}

type client struct {
	log   *logger.Logger
	api   openai.Client
	model string
}

func NewClient(log *logger.Logger, cfg Config) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("missing OPENAI_API_KEY")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = defaultModel
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &client{
		log:   log.With("client", "OpenAIClient"),
		api:   openai.NewClient(opts...),
		model: cfg.Model,
	}, nil
}

func (c *client) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.model
	}
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.System),
			openai.UserMessage(req.User),
		},
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}

	start := time.Now()
	resp, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		mapped := mapError(err)
		c.log.Warn("Chat completion failed", "model", model, "duration_ms", time.Since(start).Milliseconds(), "error", mapped)
		return nil, mapped
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty choices", ErrUpstream)
	}

	choice := resp.Choices[0]
	out := &Completion{
		Text:             choice.Message.Content,
		Model:            resp.Model,
		FinishReason:     string(choice.FinishReason),
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	c.log.Debug("Chat completion done",
		"model", out.Model,
		"finish_reason", out.FinishReason,
		"prompt_tokens", out.PromptTokens,
		"completion_tokens", out.CompletionTokens,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

// mapError folds SDK errors into the package sentinels so callers can branch
// with errors.Is without importing the SDK. Context errors pass through.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		msg := strings.TrimSpace(apiErr.Message)
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w (status %d): %s", ErrRateLimited, apiErr.StatusCode, msg)
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w (status %d): %s", ErrUnauthenticated, apiErr.StatusCode, msg)
		default:
			return fmt.Errorf("%w (status %d): %s", ErrUpstream, apiErr.StatusCode, msg)
		}
	}
	return fmt.Errorf("%w: %v", ErrUpstream, err)
}
