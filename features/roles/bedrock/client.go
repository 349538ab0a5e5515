// Package bedrock provides an llm.Completer backed by the AWS Bedrock
// Converse API.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"goa.design/relay/features/roles/llm"
)

type (
	// RuntimeClient captures the subset of the Bedrock runtime client used
	// by the completer. It is satisfied by *bedrockruntime.Client so
	// callers can pass either a real client or a stub in tests.
	RuntimeClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	}

	// Options configures the Bedrock completer.
	Options struct {
		// ModelID is the Bedrock model identifier. Required.
		ModelID string
		// MaxTokens caps the completion length when positive.
		MaxTokens int
		// Temperature is applied when positive.
		Temperature float64
	}

	// Client implements llm.Completer on Bedrock Converse.
	Client struct {
		runtime   RuntimeClient
		modelID   string
		maxTokens int
		temp      float64
	}
)

// New builds a completer from the provided runtime client and options.
func New(runtime RuntimeClient, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.ModelID == "" {
		return nil, errors.New("model identifier is required")
	}
	return &Client{
		runtime:   runtime,
		modelID:   opts.ModelID,
		maxTokens: opts.MaxTokens,
		temp:      opts.Temperature,
	}, nil
}

// Complete implements llm.Completer.
func (c *Client) Complete(ctx context.Context, system, prompt string) (string, error) {
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(c.modelID),
		Messages: []brtypes.Message{{
			Role:    brtypes.ConversationRoleUser,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: prompt}},
		}},
	}
	if system != "" {
		input.System = []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: system},
		}
	}
	if cfg := c.inferenceConfig(); cfg != nil {
		input.InferenceConfig = cfg
	}

	out, err := c.runtime.Converse(ctx, input)
	if err != nil {
		if isThrottled(err) {
			return "", fmt.Errorf("%w: %w", llm.ErrThrottled, err)
		}
		return "", fmt.Errorf("bedrock converse: %w", err)
	}
	reply, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return "", errors.New("bedrock: response carries no message output")
	}

	var b strings.Builder
	for _, block := range reply.Value.Content {
		if text, ok := block.(*brtypes.ContentBlockMemberText); ok {
			b.WriteString(text.Value)
		}
	}
	return b.String(), nil
}

func (c *Client) inferenceConfig() *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	set := false
	if c.maxTokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(c.maxTokens))
		set = true
	}
	if c.temp > 0 {
		cfg.Temperature = aws.Float32(float32(c.temp))
		set = true
	}
	if !set {
		return nil
	}
	return &cfg
}

// isThrottled reports whether err is a provider rate-limiting condition:
// either a throttling error code or an HTTP 429 response.
func isThrottled(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusTooManyRequests
}
