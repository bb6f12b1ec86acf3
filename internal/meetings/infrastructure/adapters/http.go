package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/felixgeelhaar/interpreta/internal/meetings/domain"
)

const (
	defaultHTTPTimeout  = 15 * time.Second
	maxErrorBodyBytes   = 512
	transcriptionsPath  = "/v1/audio/transcriptions"
	defaultTranscribeAs = "whisper-1"
)

// OAuthConfig is a client credentials grant for the translation API.
type OAuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// HTTPTranslatorConfig configures HTTPTranslator. APIKey is sent as the key
// query parameter; OAuth, when TokenURL is set, authenticates requests with
// client credentials instead.
type HTTPTranslatorConfig struct {
	URL    string
	APIKey string
	OAuth  OAuthConfig
	Client *http.Client
}

// HTTPTranslator calls a Google Translate v2 style endpoint.
type HTTPTranslator struct {
	url    string
	apiKey string
	client *http.Client
}

// NewHTTPTranslator creates a translator for cfg.URL.
func NewHTTPTranslator(ctx context.Context, cfg HTTPTranslatorConfig) (*HTTPTranslator, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("translation url is required")
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if cfg.OAuth.TokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			TokenURL:     cfg.OAuth.TokenURL,
			Scopes:       cfg.OAuth.Scopes,
		}
		// The token endpoint is reached with the same base client.
		base := context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, client)
		authed := cc.Client(base)
		authed.Timeout = client.Timeout
		client = authed
	}
	return &HTTPTranslator{url: cfg.URL, apiKey: cfg.APIKey, client: client}, nil
}

type translateRequest struct {
	Q      []string `json:"q"`
	Source string   `json:"source,omitempty"`
	Target string   `json:"target"`
	Format string   `json:"format"`
}

type translateResponse struct {
	Data struct {
		Translations []struct {
			TranslatedText string `json:"translatedText"`
		} `json:"translations"`
	} `json:"data"`
}

func (t *HTTPTranslator) Translate(ctx context.Context, text, source, target string) (string, error) {
	body, err := json.Marshal(translateRequest{Q: []string{text}, Source: source, Target: target, Format: "text"})
	if err != nil {
		return "", err
	}
	endpoint := t.url
	if t.apiKey != "" {
		u, err := url.Parse(endpoint)
		if err != nil {
			return "", fmt.Errorf("invalid translation url: %w", err)
		}
		q := u.Query()
		q.Set("key", t.apiKey)
		u.RawQuery = q.Encode()
		endpoint = u.String()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var out translateResponse
	if err := doJSON(t.client, req, &out); err != nil {
		return "", fmt.Errorf("translate %s->%s: %w", source, target, err)
	}
	if len(out.Data.Translations) == 0 {
		return "", fmt.Errorf("translate %s->%s: empty response: %w", source, target, domain.ErrAdapterFailure)
	}
	return out.Data.Translations[0].TranslatedText, nil
}

// HTTPTranscriberConfig configures HTTPTranscriber.
type HTTPTranscriberConfig struct {
	URL    string
	APIKey string
	Model  string
	Client *http.Client
}

// HTTPTranscriber posts audio to an OpenAI compatible transcription API.
type HTTPTranscriber struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// NewHTTPTranscriber creates a transcriber for cfg.URL.
func NewHTTPTranscriber(cfg HTTPTranscriberConfig) (*HTTPTranscriber, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("transcription url is required")
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	model := cfg.Model
	if model == "" {
		model = defaultTranscribeAs
	}
	return &HTTPTranscriber{
		endpoint: strings.TrimRight(cfg.URL, "/") + transcriptionsPath,
		apiKey:   cfg.APIKey,
		model:    model,
		client:   client,
	}, nil
}

func (t *HTTPTranscriber) Transcribe(ctx context.Context, audio []byte, locale string) (string, error) {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile("file", "audio.webm")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(audio); err != nil {
		return "", err
	}
	_ = form.WriteField("model", t.model)
	if lang := domain.NormalizeLanguage(locale); lang != "" {
		_ = form.WriteField("language", lang)
	}
	_ = form.WriteField("response_format", "json")
	if err := form.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := doJSON(t.client, req, &out); err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	return strings.TrimSpace(out.Text), nil
}

func doJSON(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrAdapterFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return fmt.Errorf("status %d: %s: %w", resp.StatusCode, strings.TrimSpace(string(snippet)), domain.ErrAdapterFailure)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w: %w", domain.ErrAdapterFailure, err)
	}
	return nil
}
