package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/takeoff-tracker/internal/common"
	"github.com/joseph-ayodele/takeoff-tracker/internal/llm"
)

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float32           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string, or []contentPart for vision turns
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Refusal string `json:"refusal"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type emptyContentError struct {
	finishReason string
	refusal      string
}

func (e *emptyContentError) Error() string {
	return fmt.Sprintf("empty content (finish_reason=%q, refusal=%q)", e.finishReason, e.refusal)
}

// Complete implements llm.Completer against /chat/completions in JSON mode.
// Transient failures (408, 429, 5xx, timeouts, empty content) are retried up
// to MaxRetries times; everything else returns immediately.
func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Completion, error) {
	if c.cfg.APIKey == "" {
		return llm.Completion{}, common.NewAppError("CONFIG_ERROR", "OPENAI_API_KEY is required", common.ErrConfig)
	}
	rid := uuid.New().String()
	start := time.Now()

	body, err := c.buildRequest(req)
	if err != nil {
		return llm.Completion{}, err
	}
	endpoint, err := url.JoinPath(c.cfg.BaseURL, "chat/completions")
	if err != nil {
		return llm.Completion{}, common.NewAppError("CONFIG_ERROR", "invalid OPENAI_BASE_URL", fmt.Errorf("%w: %v", common.ErrConfig, err))
	}
	headers := map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}

	c.logger.Info("llm.complete.start",
		"req_id", rid,
		"run_id", common.RunIDFromContext(ctx),
		"op", req.Op,
		"model", c.cfg.Model,
		"temp", req.Temperature,
		"history", len(req.History),
	)

	attempts := c.cfg.MaxRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		raw, err := llm.SendJSON(ctx, c.http, endpoint, body, headers, c.logger)
		if err == nil {
			var out llm.Completion
			out, err = decodeResponse(raw)
			if err == nil {
				c.logger.Info("llm.complete.ok",
					"req_id", rid,
					"op", req.Op,
					"attempt", attempt,
					"prompt_tokens", out.Usage.PromptTokens,
					"completion_tokens", out.Usage.CompletionTokens,
					"elapsed_ms", time.Since(start).Milliseconds(),
				)
				if out.Model == "" {
					out.Model = c.cfg.Model
				}
				return out, nil
			}
		}
		lastErr = err

		delay, retry := c.retryDelay(ctx, err, attempt, attempts)
		if !retry {
			break
		}
		c.logger.Warn("llm.complete.retry",
			"req_id", rid,
			"op", req.Op,
			"attempt", attempt,
			"delay_ms", delay.Milliseconds(),
			"error", err,
		)
		if err := c.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}

	c.logger.Error("llm.complete.failed",
		"req_id", rid,
		"op", req.Op,
		"error", lastErr,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return llm.Completion{}, classify(lastErr)
}

func (c *Client) buildRequest(req llm.Request) (chatRequest, error) {
	payload, err := encodePayload(req.Payload)
	if err != nil {
		return chatRequest{}, err
	}
	msgs := make([]chatMessage, 0, len(req.History)+2)
	msgs = append(msgs, chatMessage{Role: "system", Content: req.System})
	for _, m := range req.History {
		msgs = append(msgs, toChatMessage(m))
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: payload})
	return chatRequest{
		Model:          c.cfg.Model,
		Messages:       msgs,
		Temperature:    req.Temperature,
		ResponseFormat: map[string]string{"type": "json_object"},
	}, nil
}

func toChatMessage(m llm.Message) chatMessage {
	if m.ImageDataURL == "" {
		return chatMessage{Role: m.Role, Content: m.Content}
	}
	return chatMessage{Role: m.Role, Content: []contentPart{
		{Type: "text", Text: m.Content},
		{Type: "image_url", ImageURL: &imageURL{URL: m.ImageDataURL}},
	}}
}

func encodePayload(p any) (string, error) {
	switch v := p.(type) {
	case nil:
		return "{}", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return string(b), nil
}

func decodeResponse(raw []byte) (llm.Completion, error) {
	var cc chatResponse
	if err := json.Unmarshal(raw, &cc); err != nil {
		return llm.Completion{}, fmt.Errorf("%w: decode completion envelope: %v", common.ErrMalformedResponse, err)
	}
	if cc.Error != nil {
		return llm.Completion{}, fmt.Errorf("api error: %s", strings.TrimSpace(cc.Error.Message))
	}
	if len(cc.Choices) == 0 {
		return llm.Completion{}, &emptyContentError{}
	}
	content := strings.TrimSpace(cc.Choices[0].Message.Content)
	if content == "" {
		return llm.Completion{}, &emptyContentError{
			finishReason: cc.Choices[0].FinishReason,
			refusal:      cc.Choices[0].Message.Refusal,
		}
	}
	return llm.Completion{
		Text:  content,
		Model: cc.Model,
		Usage: llm.Usage{
			PromptTokens:     cc.Usage.PromptTokens,
			CompletionTokens: cc.Usage.CompletionTokens,
		},
	}, nil
}

func (c *Client) retryDelay(ctx context.Context, err error, attempt, maxAttempts int) (time.Duration, bool) {
	if attempt >= maxAttempts || err == nil || ctx.Err() != nil {
		return 0, false
	}
	if !isTransient(err) {
		return 0, false
	}
	var statusErr *llm.StatusError
	if errors.As(err, &statusErr) && statusErr.RetryAfter > 0 {
		return c.capDelay(statusErr.RetryAfter), true
	}
	return c.backoffDelay(attempt), true
}

func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var empty *emptyContentError
	if errors.As(err, &empty) {
		return true
	}
	var statusErr *llm.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusRequestTimeout ||
			statusErr.StatusCode == http.StatusTooManyRequests ||
			statusErr.StatusCode >= http.StatusInternalServerError
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return true
	}
	return false
}

// classify maps the last attempt's error onto the failure classes.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var statusErr *llm.StatusError
	if errors.As(err, &statusErr) && (statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden) {
		return common.NewAppError("CONFIG_ERROR", "completion service rejected credentials", fmt.Errorf("%w: %v", common.ErrConfig, err))
	}
	if isTransient(err) {
		return fmt.Errorf("%w: %v", common.ErrTransient, err)
	}
	return err
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	base := c.retryBaseDelay
	if base <= 0 {
		return 0
	}
	// attempt 1 -> base, attempt 2 -> base*2, attempt 3 -> base*4, ...
	delay := base
	for i := 1; i < attempt; i++ {
		if delay > c.retryMaxDelay/2 {
			delay = c.retryMaxDelay
			break
		}
		delay *= 2
	}
	return c.capDelay(delay)
}

func (c *Client) capDelay(delay time.Duration) time.Duration {
	if delay < 0 {
		return 0
	}
	if c.retryMaxDelay > 0 && delay > c.retryMaxDelay {
		return c.retryMaxDelay
	}
	return delay
}

func (c *Client) sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	if c.sleeper != nil {
		c.sleeper(delay)
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
