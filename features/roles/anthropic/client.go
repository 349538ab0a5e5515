// Package anthropic provides an llm.Completer backed by the Anthropic Claude
// Messages API. It issues single-turn Messages.New calls and concatenates the
// text blocks of the reply.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"goa.design/relay/features/roles/llm"
)

const defaultMaxTokens = 1024

type (
	// MessagesClient captures the subset of the Anthropic SDK client used
	// by the completer. It is satisfied by *sdk.MessageService so callers
	// can pass either a real client or a stub in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the Anthropic completer.
	Options struct {
		// Model is the Claude model identifier. Required.
		Model string
		// MaxTokens caps the completion length. Defaults to 1024.
		MaxTokens int
		// Temperature is applied when positive.
		Temperature float64
	}

	// Client implements llm.Completer on Anthropic Claude Messages.
	Client struct {
		msg       MessagesClient
		model     string
		maxTokens int64
		temp      float64
	}
)

// New builds a completer from the provided Messages client and options.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{
		msg:       msg,
		model:     opts.Model,
		maxTokens: int64(maxTokens),
		temp:      opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a completer using the default Anthropic HTTP
// client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

// Complete implements llm.Completer.
func (c *Client) Complete(ctx context.Context, system, prompt string) (string, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(prompt))},
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	if c.temp > 0 {
		params.Temperature = sdk.Float(c.temp)
	}
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		if isThrottled(err) {
			return "", fmt.Errorf("%w: %w", llm.ErrThrottled, err)
		}
		return "", fmt.Errorf("anthropic messages.new: %w", err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String(), nil
}

func isThrottled(err error) bool {
	var apierr *sdk.Error
	return errors.As(err, &apierr) && apierr.StatusCode == http.StatusTooManyRequests
}
