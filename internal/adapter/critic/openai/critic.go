// Package openai implements the critic port against the OpenAI chat
// completion API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"

	"github.com/arbiterhq/arbiter/internal/adapter/critic/prompt"
	"github.com/arbiterhq/arbiter/internal/critic"
	"github.com/arbiterhq/arbiter/internal/domain"
)

// Critic evaluates cases with an OpenAI chat model.
type Critic struct {
	id     string
	client *openai.Client
	model  string
}

// NewCritic constructs an OpenAI-backed critic. An empty baseURL uses the
// public API endpoint.
func NewCritic(id, apiKey, model, baseURL string) *Critic {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Critic{
		id:     id,
		client: openai.NewClientWithConfig(config),
		model:  model,
	}
}

// ID returns the critic identifier.
func (c *Critic) ID() string {
	return c.id
}

// Evaluate sends the case to the model and parses the structured reply.
func (c *Critic) Evaluate(ctx context.Context, cs domain.Case) (critic.Opinion, error) {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt.Build(cs),
			},
		},
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return critic.Opinion{}, c.mapError(err)
	}
	if len(resp.Choices) == 0 {
		return critic.Opinion{}, critic.NewMalformedResponseError(c.id, "no response choices")
	}

	return prompt.Parse(c.id, resp.Choices[0].Message.Content)
}

// mapError translates transport failures into the critic error taxonomy so
// the orchestrator retries only what is transient.
func (c *Critic) mapError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return critic.NewTimeoutError(c.id, err.Error())
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return c.fromStatus(apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return c.fromStatus(reqErr.HTTPStatusCode, reqErr.Error())
	}

	return critic.NewUnavailableError(c.id, err.Error())
}

func (c *Critic) fromStatus(status int, message string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return critic.NewAuthenticationError(c.id, message)
	case status == http.StatusTooManyRequests:
		return critic.NewRateLimitError(c.id, message)
	case status >= 500:
		return critic.NewUnavailableError(c.id, message)
	default:
		return critic.NewInvalidRequestError(c.id, fmt.Sprintf("status %d: %s", status, message))
	}
}
