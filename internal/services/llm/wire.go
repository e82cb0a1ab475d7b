package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"loom/internal/services"
)

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Refusal string `json:"refusal"`
		} `json:"message"`
		// Completion-style providers answer with a bare text field.
		Text         string `json:"text"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// reply returns the first non-empty choice text.
func (r chatResponse) reply() (text, finish, refusal string) {
	for _, choice := range r.Choices {
		if finish == "" {
			finish = choice.FinishReason
		}
		if refusal == "" {
			refusal = strings.TrimSpace(choice.Message.Refusal)
		}
		for _, candidate := range []string{choice.Message.Content, choice.Text} {
			if candidate = strings.TrimSpace(candidate); candidate != "" {
				return candidate, choice.FinishReason, refusal
			}
		}
	}
	return "", finish, refusal
}

// statusError is a non-2xx provider response.
type statusError struct {
	Code       int
	Body       string
	RetryAfter time.Duration
}

func (e *statusError) Error() string {
	return fmt.Sprintf("llm request: http %d: %s", e.Code, snippet(e.Body))
}

func (e *statusError) ErrorKind() string {
	switch {
	case e.Code == http.StatusRequestTimeout:
		return services.KindTimeout
	case e.Code == http.StatusTooManyRequests, e.Code >= http.StatusInternalServerError:
		return services.KindTransient
	case e.Code == http.StatusUnauthorized, e.Code == http.StatusForbidden:
		return services.KindConfiguration
	default:
		return services.KindFatal
	}
}

// emptyReplyError is a 2xx response without usable text. Providers return
// these under load, so they are retried.
type emptyReplyError struct {
	Finish  string
	Refusal string
	Body    string
}

func (e *emptyReplyError) Error() string {
	return fmt.Sprintf("llm request: empty reply (finish_reason=%q, refusal=%q, body=%s)", e.Finish, e.Refusal, snippet(e.Body))
}

func (e *emptyReplyError) ErrorKind() string {
	return services.KindTransient
}

func (c *Client) post(ctx context.Context, body chatRequest) (string, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return "", services.Wrap(services.ErrFatal, "", "llm request", "encode body", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(encoded))
	if err != nil {
		return "", services.Wrap(services.ErrConfiguration, "", "llm request", "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Referer != "" {
		req.Header.Set("HTTP-Referer", c.cfg.Referer)
	}
	if c.cfg.Title != "" {
		req.Header.Set("X-Title", c.cfg.Title)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", transportError(err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", transportError(err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return "", &statusError{
			Code:       resp.StatusCode,
			Body:       string(raw),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}

	var decoded chatResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", services.Wrap(services.ErrTransient, "", "llm request", "decode response", err)
	}
	if decoded.Error != nil {
		return "", services.Wrap(services.ErrTransient, "", "llm request", "provider error: "+strings.TrimSpace(decoded.Error.Message), nil)
	}
	text, finish, refusal := decoded.reply()
	if text == "" {
		return "", &emptyReplyError{Finish: finish, Refusal: refusal, Body: string(raw)}
	}
	return text, nil
}

func snippet(body string) string {
	clean := strings.Join(strings.Fields(body), " ")
	if clean == "" {
		return "<empty>"
	}
	const limit = 160
	if runes := []rune(clean); len(runes) > limit {
		return string(runes[:limit]) + "..."
	}
	return clean
}
