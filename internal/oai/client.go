// Package oai implements the speech and language engines on the OpenAI API:
// Whisper-style transcription, streamed chat completion, and speech
// synthesis. The chat stream goes through the official SDK; the audio
// endpoints are plain HTTP because their payloads are raw media.
package oai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/dpalomar/voxline/internal/asset"
	"github.com/dpalomar/voxline/internal/session"
)

const defaultBaseURL = "https://api.openai.com/v1"

// TranscriptionError reports a rejected transcription request.
type TranscriptionError struct {
	Status int
	Body   string
}

func (e *TranscriptionError) Error() string {
	return fmt.Sprintf("oai: transcription failed with status %d: %s", e.Status, e.Body)
}

// GenerationError reports that the reply stream could not be started or
// broke mid-stream.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string { return "oai: reply generation failed: " + e.Err.Error() }
func (e *GenerationError) Unwrap() error { return e.Err }

// SynthesisError reports a rejected speech synthesis request.
type SynthesisError struct {
	Status int
	Body   string
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("oai: synthesis failed with status %d: %s", e.Status, e.Body)
}

// Options configures a Client. Zero-value model fields fall back to the API
// defaults only where the API has one, so callers normally pass everything.
type Options struct {
	APIKey  string
	BaseURL string

	TranscribeModel    string
	TranscribeLanguage string

	ChatModel       string
	ChatMaxTokens   int
	ChatTemperature float64
	SystemPrompt    string

	TTSModel string
	TTSVoice string

	HTTPClient *http.Client
}

// Client implements the session capability interfaces against the OpenAI
// API. It is safe for concurrent use.
type Client struct {
	opts   Options
	http   *http.Client
	chat   openai.Client
	assets *asset.Store
	log    *slog.Logger
}

// NewClient builds a client. assets receives synthesized clips so they can
// be served back to the telephony provider.
func NewClient(opts Options, assets *asset.Store, log *slog.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	opts.BaseURL = strings.TrimSuffix(opts.BaseURL, "/")
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 90 * time.Second}
	}
	if log == nil {
		log = slog.Default()
	}
	chat := openai.NewClient(
		option.WithAPIKey(opts.APIKey),
		option.WithBaseURL(opts.BaseURL),
		option.WithHTTPClient(opts.HTTPClient),
	)
	return &Client{
		opts:   opts,
		http:   opts.HTTPClient,
		chat:   chat,
		assets: assets,
		log:    log,
	}
}

// Transcribe sends a WAV clip to the transcription endpoint and returns the
// recognized text. Empty speech comes back as an empty string, not an error.
func (c *Client) Transcribe(ctx context.Context, wav []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	part, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("oai: build transcription request: %w", err)
	}
	if _, err := part.Write(wav); err != nil {
		return "", fmt.Errorf("oai: build transcription request: %w", err)
	}
	mw.WriteField("model", c.opts.TranscribeModel)
	if c.opts.TranscribeLanguage != "" {
		mw.WriteField("language", c.opts.TranscribeLanguage)
	}
	mw.WriteField("response_format", "text")
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("oai: build transcription request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/audio/transcriptions", &body)
	if err != nil {
		return "", fmt.Errorf("oai: build transcription request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("oai: transcription request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("oai: read transcription response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &TranscriptionError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return strings.TrimSpace(string(data)), nil
}

// StreamReply starts a streamed chat completion for the given history and
// returns the delta channel. A request-level rejection surfaces here; errors
// after streaming has begun arrive on the channel instead.
func (c *Client) StreamReply(ctx context.Context, history []session.Message) (<-chan session.Delta, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	if c.opts.SystemPrompt != "" {
		msgs = append(msgs, openai.SystemMessage(c.opts.SystemPrompt))
	}
	for _, m := range history {
		switch m.Role {
		case session.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.opts.ChatModel),
		Messages: msgs,
	}
	if c.opts.ChatMaxTokens > 0 {
		params.MaxTokens = param.NewOpt(int64(c.opts.ChatMaxTokens))
	}
	if c.opts.ChatTemperature > 0 {
		params.Temperature = param.NewOpt(c.opts.ChatTemperature)
	}

	stream := c.chat.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		stream.Close()
		return nil, &GenerationError{Err: err}
	}

	ch := make(chan session.Delta)
	go func() {
		defer close(ch)
		defer stream.Close()
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			text := chunk.Choices[0].Delta.Content
			if text == "" {
				continue
			}
			select {
			case ch <- session.Delta{Text: text}:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil {
			select {
			case ch <- session.Delta{Err: &GenerationError{Err: err}}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

// Synthesize renders text to an MP3 clip, stores it, and returns the public
// URL it will be served from.
func (c *Client) Synthesize(ctx context.Context, text string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"model":           c.opts.TTSModel,
		"voice":           c.opts.TTSVoice,
		"input":           text,
		"response_format": "mp3",
	})
	if err != nil {
		return "", fmt.Errorf("oai: build synthesis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/audio/speech", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("oai: build synthesis request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("oai: synthesis request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("oai: read synthesis response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &SynthesisError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	name, err := c.assets.SaveClip(data, "mp3")
	if err != nil {
		return "", fmt.Errorf("oai: store synthesized clip: %w", err)
	}
	return c.assets.URL(name), nil
}
