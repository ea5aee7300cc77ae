package oliver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
)

var (
	// ErrModelExhausted is returned when every attempt at a model call
	// failed with a transient signature. The orchestrator substitutes the
	// fallback reply; this never reaches the user as a crash.
	ErrModelExhausted = errors.New("model retries exhausted")

	// ErrEmptyModelReply is returned when the API succeeds but carries no
	// usable text. Not transient.
	ErrEmptyModelReply = errors.New("model returned no reply text")
)

// ModelClient is the interface to the chat-completion API. It abstracts
// the single call the bot makes, allowing mock clients in tests.
type ModelClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)
}

// ModelGenerator produces reply text for a prompt, pushing every call
// through the global request queue and retrying transient failures a
// bounded number of times with a fixed backoff. Each attempt races a
// per-call timeout; losing the race counts as that attempt's failure.
type ModelGenerator struct {
	client ModelClient
	config *ModelConfig
	queue  *RequestQueue
	logger *slog.Logger
}

func newModelGenerator(
	config *ModelConfig,
	queue *RequestQueue,
	httpClient *http.Client,
	logger *slog.Logger,
) *ModelGenerator {
	if logger == nil {
		logger = slog.Default()
	}

	clientCfg := openai.DefaultConfig(config.Token)
	if config.BaseURL != "" {
		clientCfg.BaseURL = config.BaseURL
	}
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}

	return &ModelGenerator{
		client: openai.NewClientWithConfig(clientCfg),
		config: config,
		queue:  queue,
		logger: logger.With(loggerNameKey, "model"),
	}
}

// Generate submits the prompt and returns the raw reply text. Attempts
// are bounded by [ModelConfig.MaxAttempts]; only transient failures
// (service-unavailable class, or the per-attempt timeout) consume
// additional attempts - anything else aborts immediately. Exhausting all
// attempts returns ErrModelExhausted.
func (g *ModelGenerator) Generate(
	ctx context.Context,
	prompt string,
) (string, error) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = g.logger
	}

	maxAttempts := g.config.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		attemptCtx, cancel := context.WithTimeout(
			ctx,
			g.config.RequestTimeout,
		)
		reply, err := g.queue.Dispatch(attemptCtx, g.generateOnce(prompt))
		cancel()

		if err == nil {
			return strings.TrimSpace(reply), nil
		}
		lastErr = err

		if !transientModelError(err) {
			logger.ErrorContext(
				ctx,
				"model call failed, not retrying",
				"attempt", attempt,
				tint.Err(err),
			)
			return "", err
		}

		logger.WarnContext(
			ctx,
			"transient model failure",
			"attempt", attempt,
			"max_attempts", maxAttempts,
			tint.Err(err),
		)
		if attempt < maxAttempts {
			if err = sleepContext(ctx, g.config.RetryBackoff); err != nil {
				return "", err
			}
		}
	}
	return "", fmt.Errorf("%w: %w", ErrModelExhausted, lastErr)
}

func (g *ModelGenerator) generateOnce(
	prompt string,
) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		resp, err := g.client.CreateChatCompletion(
			ctx,
			openai.ChatCompletionRequest{
				Model: g.config.Name,
				Messages: []openai.ChatCompletionMessage{
					{
						Role:    openai.ChatMessageRoleUser,
						Content: prompt,
					},
				},
				Temperature: g.config.Temperature,
				TopP:        g.config.TopP,
			},
		)
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", ErrEmptyModelReply
		}
		content := resp.Choices[0].Message.Content
		if strings.TrimSpace(content) == "" {
			return "", ErrEmptyModelReply
		}
		return content, nil
	}
}

// transientModelError reports whether err carries the service-unavailable
// signature that's eligible for retry. The check is typed rather than
// string matching, so the retry policy survives upstream message changes.
func transientModelError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}

	return false
}

func retryableStatus(status int) bool {
	switch status {
	case http.StatusServiceUnavailable,
		http.StatusBadGateway,
		http.StatusTooManyRequests:
		return true
	}
	return false
}

// sleepContext waits for d or until ctx is done, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
