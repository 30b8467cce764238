// Package llm wraps an OpenAI-compatible chat completion endpoint behind
// the narrow contract the planner and stages need: one-shot completions,
// forced function calls, and a streaming path that degrades gracefully
// when the server answers a streaming request with a single JSON payload.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/planexec/planexec/pkg/models"
)

// ErrNoChoices is returned when the server reply carries no choices.
var ErrNoChoices = errors.New("llm: response contains no choices")

// pseudoChunkSize bounds synthesized stream chunks when the server ignored
// the streaming flag.
const pseudoChunkSize = 80

// ToolDef declares one function-calling tool to the model.
type ToolDef struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Request is one chat completion call.
type Request struct {
	// Messages is the ordered conversation, system prompts first.
	Messages []models.ChatMessage

	// Tools declares callable functions. Empty means plain chat.
	Tools []ToolDef

	// ForceTool names the function the model must call. Empty lets the
	// model choose.
	ForceTool string

	// Temperature overrides the sampling temperature when > 0.
	Temperature float32

	// Model overrides the client's default model when set.
	Model string

	// Timeout bounds the call. Zero uses the client default.
	Timeout time.Duration

	// MaxTokens caps the response length. Zero means server default.
	MaxTokens int
}

// ToolCall is one function call in a model reply.
type ToolCall struct {
	Name      string
	Arguments string
}

// Message is the first choice of a completion reply.
type Message struct {
	Role      string
	Content   string
	ToolCalls []ToolCall
}

// Delta is one streamed content fragment.
type Delta struct {
	Content string
	Err     error
}

// Client is the chat contract stages depend on. The fake in the tests and
// the OpenAI-backed implementation both satisfy it.
type Client interface {
	// Complete performs a non-streaming completion and returns the first
	// choice's message.
	Complete(ctx context.Context, req Request) (*Message, error)

	// Stream performs a streaming completion. When the server returns a
	// single JSON payload despite the streaming flag, the client
	// synthesizes pseudo-chunks of at most 80 characters.
	Stream(ctx context.Context, req Request) (<-chan Delta, error)
}

// Config configures the OpenAI-backed client.
type Config struct {
	// BaseURL points at an OpenAI-compatible API. Empty uses the SDK
	// default.
	BaseURL string

	// APIKey authenticates requests.
	APIKey string

	// Model is the default chat model.
	Model string

	// DefaultTimeout bounds calls without an explicit request timeout.
	// Default: 90s.
	DefaultTimeout time.Duration
}

// OpenAIClient implements Client on the go-openai SDK.
type OpenAIClient struct {
	client         *openai.Client
	model          string
	defaultTimeout time.Duration
}

// NewOpenAIClient builds a client for the configured endpoint.
func NewOpenAIClient(cfg Config) *OpenAIClient {
	sdkCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		sdkCfg.BaseURL = cfg.BaseURL
	}
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &OpenAIClient{
		client:         openai.NewClientWithConfig(sdkCfg),
		model:          cfg.Model,
		defaultTimeout: timeout,
	}
}

func (c *OpenAIClient) buildRequest(req Request) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = c.model
	}

	out := openai.ChatCompletionRequest{
		Model:       model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	out.Messages = make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
			Name:    m.Name,
		})
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	if req.ForceTool != "" {
		out.ToolChoice = openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: req.ForceTool},
		}
	}
	return out
}

func (c *OpenAIClient) callTimeout(req Request) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	return c.defaultTimeout
}

// Complete performs a non-streaming completion.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout(req))
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, c.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoices
	}

	choice := resp.Choices[0].Message
	msg := &Message{Role: choice.Role, Content: choice.Content}
	for _, tc := range choice.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return msg, nil
}

// Stream performs a streaming completion, falling back to pseudo-chunked
// delivery when the server does not actually stream.
func (c *OpenAIClient) Stream(ctx context.Context, req Request) (<-chan Delta, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout(req))

	sdkReq := c.buildRequest(req)
	sdkReq.Stream = true
	stream, err := c.client.CreateChatCompletionStream(ctx, sdkReq)
	if err != nil {
		// Some OpenAI-compatible servers reply with a plain completion
		// body despite stream:true; retry non-streaming and chunk it.
		msg, cerr := c.Complete(ctx, req)
		cancel()
		if cerr != nil {
			return nil, fmt.Errorf("chat stream: %w", err)
		}
		return PseudoChunks(msg.Content), nil
	}

	out := make(chan Delta, 16)
	go func() {
		defer cancel()
		defer stream.Close()
		defer close(out)
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				out <- Delta{Err: err}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			if content := resp.Choices[0].Delta.Content; content != "" {
				select {
				case out <- Delta{Content: content}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// PseudoChunks slices text into deltas of at most 80 characters, split on
// rune boundaries.
func PseudoChunks(text string) <-chan Delta {
	out := make(chan Delta, 8)
	go func() {
		defer close(out)
		runes := []rune(text)
		for start := 0; start < len(runes); start += pseudoChunkSize {
			end := start + pseudoChunkSize
			if end > len(runes) {
				end = len(runes)
			}
			out <- Delta{Content: string(runes[start:end])}
		}
	}()
	return out
}

// DecodeFunctionArgs unmarshals the forced function call's arguments from
// a reply, tolerating replies that put the JSON in the content body (the
// raw "fc" strategy path).
func DecodeFunctionArgs(msg *Message, name string, v any) error {
	if msg == nil {
		return fmt.Errorf("llm: empty message decoding %s", name)
	}
	for _, tc := range msg.ToolCalls {
		if tc.Name == name || name == "" {
			return json.Unmarshal([]byte(tc.Arguments), v)
		}
	}
	if msg.Content != "" {
		if raw := ExtractJSONObject(msg.Content); raw != "" {
			return json.Unmarshal([]byte(raw), v)
		}
	}
	return fmt.Errorf("llm: no %s call in reply", name)
}

// ExtractJSONObject returns the first balanced top-level JSON object in
// text, or "". Handles models that wrap JSON in prose or code fences.
func ExtractJSONObject(text string) string {
	depth := 0
	start := -1
	inString := false
	escaped := false
	for i, r := range text {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					return text[start : i+1]
				}
			}
		}
	}
	return ""
}
