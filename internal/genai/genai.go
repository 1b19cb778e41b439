// Package genai provides GenAI-enhanced operations using OpenAI API.

package genai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ErrNoChoicesReturned is returned when the completion carries no choices.
var ErrNoChoicesReturned = errors.New("no choices returned")

// DefaultModel is used when no model is configured.
const DefaultModel = string(openai.ChatModelGPT4oMini)

const classifyMaxTokens = 5

const classifySystemPrompt = `You read a patient's reply to a questionnaire question that is answered on a scale from 0 to 10.
Respond with exactly one token and nothing else:
- an integer from 0 to 10 if the reply clearly states that number,
- "skip" if the patient wants to skip the question,
- "end" if the patient wants to stop the questionnaire,
- "none" if none of these apply.`

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// transcriptionService defines minimal interface for audio transcription.
type transcriptionService interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

type chatCompletionsAdapter struct {
	svc *openai.ChatCompletionService
}

func (a chatCompletionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

type transcriptionsAdapter struct {
	svc *openai.AudioTranscriptionService
}

func (a transcriptionsAdapter) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	resp, err := a.svc.New(ctx, openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(audio), filename, "audio/ogg"),
		Model: openai.AudioModelWhisper1,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// Client wraps the OpenAI chat and transcription services.
type Client struct {
	chat  chatService
	audio transcriptionService
	model string
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey string
	Model  string
}

// Option defines a function for configuring Opts.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) {
		o.APIKey = key
	}
}

// WithModel overrides the chat model.
func WithModel(model string) Option {
	return func(o *Opts) {
		o.Model = model
	}
}

// NewClient initializes a new GenAI client. An API key is required.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key not set")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("GenAI client created", "model", cfg.Model)
	return &Client{
		chat:  chatCompletionsAdapter{svc: &cli.Chat.Completions},
		audio: transcriptionsAdapter{svc: &cli.Audio.Transcriptions},
		model: cfg.Model,
	}, nil
}

// ClassifyAnswer asks the model to reduce a free-text reply to one of
// "0".."10", "skip", "end" or "none". The raw model output is returned; the
// caller is responsible for rejecting anything else.
func (c *Client) ClassifyAnswer(ctx context.Context, text string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(classifySystemPrompt),
			openai.UserMessage(text),
		},
		Temperature:         openai.Float(0),
		MaxCompletionTokens: openai.Int(classifyMaxTokens),
	}
	out, err := c.complete(ctx, params)
	if err != nil {
		return "", fmt.Errorf("classify answer: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// Transcribe converts a voice note to text.
func (c *Client) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	if c.audio == nil {
		return "", fmt.Errorf("transcription not configured")
	}
	if len(audio) == 0 {
		return "", fmt.Errorf("audio is empty")
	}
	text, err := c.audio.Transcribe(ctx, audio, filename)
	if err != nil {
		return "", fmt.Errorf("transcribe audio: %w", err)
	}
	slog.Debug("GenAI.Transcribe: transcribed audio", "bytes", len(audio), "chars", len(text))
	return strings.TrimSpace(text), nil
}

func (c *Client) complete(ctx context.Context, params openai.ChatCompletionNewParams) (string, error) {
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}
