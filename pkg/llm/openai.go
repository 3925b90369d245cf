package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ChatClient is the subset of the OpenAI SDK the adapter uses. Satisfied by
// the real completion service so tests can pass a mock.
type ChatClient interface {
	New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
}

// OpenAIClient implements Client over the Chat Completions API.
type OpenAIClient struct {
	chat ChatClient
}

// NewOpenAIClient wraps an existing chat completion client.
func NewOpenAIClient(chat ChatClient) (*OpenAIClient, error) {
	if chat == nil {
		return nil, errors.New("openai chat client is required")
	}
	return &OpenAIClient{chat: chat}, nil
}

// NewOpenAIFromAPIKey constructs a client with the default HTTP transport.
func NewOpenAIFromAPIKey(apiKey string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	oc := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewOpenAIClient(&oc.Chat.Completions)
}

func (c *OpenAIClient) Provider() string { return "openai" }

// Complete issues one chat completion and returns the first choice.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.Model == "" {
		return nil, errors.New("openai: model identifier is required")
	}
	if req.Prompt == "" {
		return nil, errors.New("openai: prompt is required")
	}

	messages := make([]sdk.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, sdk.SystemMessage(req.System))
	}
	messages = append(messages, sdk.UserMessage(req.Prompt))

	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(req.Model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}

	start := time.Now()
	completion, err := c.chat.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}

	return &Response{
		Text:         completion.Choices[0].Message.Content,
		Model:        completion.Model,
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
		Latency:      time.Since(start),
	}, nil
}
