package openai

import (
	"context"
	"errors"
	"net/http"
	"testing"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/require"

	"goa.design/relay/features/roles/llm"
)

type stubChatClient struct {
	lastParams sdk.ChatCompletionNewParams
	resp       *sdk.ChatCompletion
	err        error
}

func (s *stubChatClient) New(_ context.Context, body sdk.ChatCompletionNewParams, _ ...option.RequestOption) (*sdk.ChatCompletion, error) {
	s.lastParams = body
	return s.resp, s.err
}

func chatReply(text string) *sdk.ChatCompletion {
	return &sdk.ChatCompletion{
		Choices: []sdk.ChatCompletionChoice{
			{Message: sdk.ChatCompletionMessage{Content: text}},
		},
	}
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, Options{Model: "gpt-4o-mini"})
	require.Error(t, err)
	_, err = New(&stubChatClient{}, Options{})
	require.Error(t, err)
}

func TestCompleteBuildsParams(t *testing.T) {
	stub := &stubChatClient{resp: chatReply("ok")}
	c, err := New(stub, Options{Model: "gpt-4o-mini", MaxTokens: 512})
	require.NoError(t, err)

	text, err := c.Complete(context.Background(), "be brief", "hello")
	require.NoError(t, err)
	require.Equal(t, "ok", text)
	require.Equal(t, sdk.ChatModel("gpt-4o-mini"), stub.lastParams.Model)
	require.Len(t, stub.lastParams.Messages, 2, "system message plus user message")
	require.Equal(t, int64(512), stub.lastParams.MaxCompletionTokens.Value)
}

func TestCompleteWithoutSystem(t *testing.T) {
	stub := &stubChatClient{resp: chatReply("ok")}
	c, err := New(stub, Options{Model: "gpt-4o-mini"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), "", "hello")
	require.NoError(t, err)
	require.Len(t, stub.lastParams.Messages, 1)
}

func TestCompleteNoChoices(t *testing.T) {
	stub := &stubChatClient{resp: &sdk.ChatCompletion{}}
	c, err := New(stub, Options{Model: "gpt-4o-mini"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), "", "hello")
	require.Error(t, err)
}

func TestCompleteThrottled(t *testing.T) {
	stub := &stubChatClient{err: &sdk.Error{StatusCode: http.StatusTooManyRequests}}
	c, err := New(stub, Options{Model: "gpt-4o-mini"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), "", "hello")
	require.ErrorIs(t, err, llm.ErrThrottled)
}

func TestCompleteOtherErrorsAreNotThrottled(t *testing.T) {
	stub := &stubChatClient{err: errors.New("boom")}
	c, err := New(stub, Options{Model: "gpt-4o-mini"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), "", "hello")
	require.Error(t, err)
	require.NotErrorIs(t, err, llm.ErrThrottled)
}
