// Package assistant talks to an OpenAI-compatible chat completion endpoint
// and cleans the answers before they reach the user.
package assistant

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// DeepSeek defaults.
const (
	DefaultBaseURL     = "https://api.deepseek.com/v1"
	DefaultTextModel   = "deepseek-chat"
	DefaultVisionModel = "deepseek-vl2"
)

// ErrEmptyAnswer is returned when the endpoint answers with no choices.
var ErrEmptyAnswer = errors.New("assistant: empty answer")

const (
	textSystemPrompt = "You are a study assistant. Answer in plain text without LaTeX " +
		"wrappers such as \\( \\) or \\[ \\]. Write formulas as plain text " +
		"(for example: x^2 - 2x + 1). Do not use code blocks."

	visionSystemPrompt = "You are a study assistant. First read the task from the image " +
		"carefully, then solve it. Answer in plain text without LaTeX wrappers " +
		"such as \\( \\) or \\[ \\]. Do not use code blocks."

	defaultVisionPrompt = "Read the task in the image and solve it."
)

// Request is a single question. When Image is set the vision model is used
// and Prompt becomes the caption.
type Request struct {
	Prompt    string `json:"prompt"`
	Image     []byte `json:"image,omitempty"`
	ImageMIME string `json:"image_mime,omitempty"`
}

// Client answers a request with cleaned plain text.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// ClientFunc adapts a plain function to Client.
type ClientFunc func(ctx context.Context, req Request) (string, error)

// Complete implements Client.
func (f ClientFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Config configures an OpenAI-compatible client.
type Config struct {
	APIKey      string        `json:"-" mapstructure:"api_key"`
	BaseURL     string        `json:"base_url" mapstructure:"base_url"`
	TextModel   string        `json:"text_model" mapstructure:"text_model"`
	VisionModel string        `json:"vision_model" mapstructure:"vision_model"`
	Temperature float32       `json:"temperature" mapstructure:"temperature"`
	Timeout     time.Duration `json:"timeout" mapstructure:"timeout"`
}

// DefaultConfig returns the DeepSeek defaults without an API key.
func DefaultConfig() Config {
	return Config{
		BaseURL:     DefaultBaseURL,
		TextModel:   DefaultTextModel,
		VisionModel: DefaultVisionModel,
		Temperature: 0.2,
		Timeout:     3 * time.Minute,
	}
}

// OpenAI is a Client backed by go-openai.
type OpenAI struct {
	client *openai.Client
	cfg    Config
	logger *slog.Logger
}

// Option configures an OpenAI client.
type Option func(*OpenAI)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *OpenAI) { o.logger = l }
}

// New creates an OpenAI-compatible client. Zero fields in cfg fall back to
// DefaultConfig.
func New(cfg Config, opts ...Option) *OpenAI {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.TextModel == "" {
		cfg.TextModel = def.TextModel
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = def.VisionModel
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = def.Temperature
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	o := &OpenAI{
		client: openai.NewClientWithConfig(oc),
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Complete implements Client.
func (o *OpenAI) Complete(ctx context.Context, req Request) (string, error) {
	chat := o.textRequest(req)
	if len(req.Image) > 0 {
		chat = o.visionRequest(req)
	}

	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, chat)
	if err != nil {
		o.logger.Warn("assistant: completion failed",
			"model", chat.Model,
			"error", err,
		)
		return "", fmt.Errorf("assistant: %s: %w", chat.Model, err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyAnswer
	}

	o.logger.Debug("assistant: completion",
		"model", chat.Model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"elapsed", time.Since(start),
	)
	return Clean(resp.Choices[0].Message.Content), nil
}

func (o *OpenAI) textRequest(req Request) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model:       o.cfg.TextModel,
		Temperature: o.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: textSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
	}
}

func (o *OpenAI) visionRequest(req Request) openai.ChatCompletionRequest {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		prompt = defaultVisionPrompt
	}
	mime := req.ImageMIME
	if mime == "" {
		mime = "image/jpeg"
	}
	dataURL := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(req.Image)

	return openai.ChatCompletionRequest{
		Model:       o.cfg.VisionModel,
		Temperature: o.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: visionSystemPrompt},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: prompt},
					{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: dataURL}},
				},
			},
		},
	}
}
