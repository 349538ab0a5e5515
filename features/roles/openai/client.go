// Package openai provides an llm.Completer backed by the OpenAI Chat
// Completions API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"goa.design/relay/features/roles/llm"
)

type (
	// ChatClient captures the subset of the OpenAI SDK client used by the
	// completer. It is satisfied by &client.Chat.Completions so callers can
	// pass either a real client or a stub in tests.
	ChatClient interface {
		New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
	}

	// Options configures the OpenAI completer.
	Options struct {
		// Model is the chat model identifier. Required.
		Model string
		// MaxTokens caps the completion length when positive.
		MaxTokens int
		// Temperature is applied when positive.
		Temperature float64
	}

	// Client implements llm.Completer on OpenAI chat completions.
	Client struct {
		chat      ChatClient
		model     string
		maxTokens int
		temp      float64
	}
)

// New builds a completer from the provided chat client and options.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	return &Client{
		chat:      chat,
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
		temp:      opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a completer using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Chat.Completions, opts)
}

// Complete implements llm.Completer.
func (c *Client) Complete(ctx context.Context, system, prompt string) (string, error) {
	msgs := make([]sdk.ChatCompletionMessageParamUnion, 0, 2)
	if system != "" {
		msgs = append(msgs, sdk.SystemMessage(system))
	}
	msgs = append(msgs, sdk.UserMessage(prompt))
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(c.model),
		Messages: msgs,
	}
	if c.maxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(c.maxTokens))
	}
	if c.temp > 0 {
		params.Temperature = sdk.Float(c.temp)
	}
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		if isThrottled(err) {
			return "", fmt.Errorf("%w: %w", llm.ErrThrottled, err)
		}
		return "", fmt.Errorf("openai chat.completions.new: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: response has no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func isThrottled(err error) bool {
	var apierr *sdk.Error
	return errors.As(err, &apierr) && apierr.StatusCode == http.StatusTooManyRequests
}
