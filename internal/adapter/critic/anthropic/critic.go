// Package anthropic implements the critic port against the Anthropic
// messages API.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/liushuangls/go-anthropic/v2"

	"github.com/arbiterhq/arbiter/internal/adapter/critic/prompt"
	"github.com/arbiterhq/arbiter/internal/critic"
	"github.com/arbiterhq/arbiter/internal/domain"
)

const maxReplyTokens = 1000

// Critic evaluates cases with an Anthropic model.
type Critic struct {
	id     string
	client *anthropic.Client
	model  string
}

// NewCritic constructs an Anthropic-backed critic. An empty baseURL uses
// the public API endpoint.
func NewCritic(id, apiKey, model, baseURL string) *Critic {
	var opts []anthropic.ClientOption
	if baseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(baseURL))
	}
	return &Critic{
		id:     id,
		client: anthropic.NewClient(apiKey, opts...),
		model:  model,
	}
}

// ID returns the critic identifier.
func (c *Critic) ID() string {
	return c.id
}

// Evaluate sends the case to the model and parses the structured reply.
func (c *Critic) Evaluate(ctx context.Context, cs domain.Case) (critic.Opinion, error) {
	resp, err := c.client.CreateMessages(ctx, anthropic.MessagesRequest{
		Model: anthropic.Model(c.model),
		Messages: []anthropic.Message{
			{
				Role: anthropic.RoleUser,
				Content: []anthropic.MessageContent{
					anthropic.NewTextMessageContent(prompt.Build(cs)),
				},
			},
		},
		MaxTokens: maxReplyTokens,
	})
	if err != nil {
		return critic.Opinion{}, c.mapError(err)
	}
	if len(resp.Content) == 0 || resp.Content[0].Text == nil {
		return critic.Opinion{}, critic.NewMalformedResponseError(c.id, "no response content")
	}

	return prompt.Parse(c.id, *resp.Content[0].Text)
}

// mapError translates transport failures into the critic error taxonomy so
// the orchestrator retries only what is transient.
func (c *Critic) mapError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return critic.NewTimeoutError(c.id, err.Error())
	}

	var apiErr *anthropic.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.IsAuthenticationErr() || apiErr.IsPermissionErr():
			return critic.NewAuthenticationError(c.id, apiErr.Message)
		case apiErr.IsRateLimitErr():
			return critic.NewRateLimitError(c.id, apiErr.Message)
		case apiErr.IsOverloadedErr() || apiErr.IsApiErr():
			return critic.NewUnavailableError(c.id, apiErr.Message)
		default:
			return critic.NewInvalidRequestError(c.id, apiErr.Message)
		}
	}

	var reqErr *anthropic.RequestError
	if errors.As(err, &reqErr) {
		switch {
		case reqErr.StatusCode == http.StatusTooManyRequests:
			return critic.NewRateLimitError(c.id, reqErr.Error())
		case reqErr.StatusCode >= 500:
			return critic.NewUnavailableError(c.id, reqErr.Error())
		default:
			return critic.NewInvalidRequestError(c.id, fmt.Sprintf("status %d: %v", reqErr.StatusCode, reqErr))
		}
	}

	return critic.NewUnavailableError(c.id, err.Error())
}
