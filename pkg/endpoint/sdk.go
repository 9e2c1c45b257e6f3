package endpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/openai/openai-go"
	openaioption "github.com/openai/openai-go/option"
	"google.golang.org/genai"

	"github.com/zen-systems/corectl/pkg/coreerrors"
)

// sdkClient is the closed set of vendor SDK clients an Endpoint can wrap
// when Config.Transport is TransportSDK. Unlike TransportHTTP, each
// variant speaks its own wire format internally; the Endpoint only needs
// call/Close from it.
type sdkClient interface {
	call(ctx context.Context, req Request) (*Response, error)
	Close() error
}

// promptRequest is the shape the SDK transport understands out of
// Request.Body: a model name and a single user prompt. Callers that need
// the full native request shape should use TransportHTTP against the
// vendor's REST API instead.
type promptRequest struct {
	Model  string
	Prompt string
}

func asPromptRequest(body any) (promptRequest, error) {
	switch v := body.(type) {
	case promptRequest:
		return v, nil
	case map[string]any:
		model, _ := v["model"].(string)
		prompt, _ := v["prompt"].(string)
		if model == "" || prompt == "" {
			return promptRequest{}, coreerrors.New(coreerrors.KindInvalidArgument, "sdk transport request requires model and prompt")
		}
		return promptRequest{Model: model, Prompt: prompt}, nil
	default:
		return promptRequest{}, coreerrors.New(coreerrors.KindInvalidArgument, "sdk transport request body must carry model and prompt")
	}
}

func newSDKClient(cfg Config) (sdkClient, error) {
	apiKey, err := cfg.resolveAPIKey()
	if err != nil {
		return nil, err
	}

	switch cfg.SDKProvider {
	case "anthropic":
		return newAnthropicClient(apiKey), nil
	case "openai":
		return newOpenAIClient(apiKey), nil
	case "google":
		return newGoogleClient(apiKey)
	default:
		return nil, coreerrors.New(coreerrors.KindInvalidArgument, fmt.Sprintf("unknown sdk provider %q", cfg.SDKProvider))
	}
}

type anthropicClient struct {
	client anthropic.Client
}

func newAnthropicClient(apiKey string) *anthropicClient {
	var opts []anthropicoption.RequestOption
	if apiKey != "" {
		opts = append(opts, anthropicoption.WithAPIKey(apiKey))
	}
	return &anthropicClient{client: anthropic.NewClient(opts...)}
}

func (c *anthropicClient) call(ctx context.Context, req Request) (*Response, error) {
	pr, err := asPromptRequest(req.Body)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(pr.Model),
		MaxTokens: 4096,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(pr.Prompt)),
		},
	})
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindTransport, "anthropic request failed", err)
	}

	var content string
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}
	return &Response{StatusCode: 200, Body: []byte(content)}, nil
}

func (c *anthropicClient) Close() error { return nil }

type openAIClient struct {
	client openai.Client
}

func newOpenAIClient(apiKey string) *openAIClient {
	var opts []openaioption.RequestOption
	if apiKey != "" {
		opts = append(opts, openaioption.WithAPIKey(apiKey))
	}
	return &openAIClient{client: openai.NewClient(opts...)}
}

func (c *openAIClient) call(ctx context.Context, req Request) (*Response, error) {
	pr, err := asPromptRequest(req.Body)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(pr.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(pr.Prompt),
		},
		MaxCompletionTokens: openai.Int(4096),
	})
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindTransport, "openai request failed", err)
	}
	if len(resp.Choices) == 0 {
		return nil, coreerrors.New(coreerrors.KindServer, "openai returned no choices")
	}

	return &Response{StatusCode: 200, Body: []byte(resp.Choices[0].Message.Content)}, nil
}

func (c *openAIClient) Close() error { return nil }

type googleClient struct {
	client *genai.Client
}

func newGoogleClient(apiKey string) (*googleClient, error) {
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindTransport, "failed to construct google client", err)
	}
	return &googleClient{client: client}, nil
}

func (c *googleClient) call(ctx context.Context, req Request) (*Response, error) {
	pr, err := asPromptRequest(req.Body)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Models.GenerateContent(ctx, pr.Model, genai.Text(pr.Prompt), nil)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindTransport, "google request failed", err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, coreerrors.New(coreerrors.KindServer, "google returned no candidates")
	}

	var content string
	if resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if part.Text != "" {
				content += part.Text
			}
		}
	}
	return &Response{StatusCode: 200, Body: []byte(content)}, nil
}

func (c *googleClient) Close() error { return nil }

// callSDK dispatches a Call through the constructed SDK transport.
func (e *Endpoint) callSDK(ctx context.Context, req Request) (*Response, error) {
	e.mu.Lock()
	client := e.sdk
	e.mu.Unlock()
	if client == nil {
		return nil, coreerrors.New(coreerrors.KindInvalidState, "endpoint sdk client is not initialized")
	}

	start := time.Now()
	resp, err := client.call(ctx, req)
	e.cfg.Metrics.ObserveEndpointDuration(e.cfg.Name, time.Since(start).Seconds())
	if err != nil {
		e.cfg.Metrics.IncEndpointCall(e.cfg.Name, "error")
		return nil, err
	}
	e.cfg.Metrics.IncEndpointCall(e.cfg.Name, "ok")
	return resp, nil
}
