// Package gemini implements classifier.Backend with the Google Gen AI SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/example/cyto-check/internal/classifier"
)

const (
	DefaultModel      = "gemini-2.5-flash"
	DefaultAPIVersion = "v1beta"
	DefaultTimeout    = 60 * time.Second

	backendName = "gemini"

	// maxErrorMessage bounds how much of a failed response is kept for logs.
	maxErrorMessage = 4 << 10
)

// Config configures the backend. An empty Endpoint selects the SDK's
// default base URL. APIKey is consulted on every call.
type Config struct {
	Endpoint string
	Model    string
	Timeout  time.Duration
	APIKey   func() string
}

// Backend calls models.generateContent through genai.Client.
type Backend struct {
	baseURL    string
	model      string
	apiKey     func() string
	httpClient *http.Client
	logger     *zap.Logger
}

// New constructs a Backend. httpClient may be nil.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) *Backend {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.APIKey == nil {
		cfg.APIKey = func() string { return "" }
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Endpoint != "" && !strings.HasSuffix(cfg.Endpoint, "/") {
		cfg.Endpoint += "/"
	}
	return &Backend{
		baseURL:    cfg.Endpoint,
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		logger:     logger.Named("gemini"),
	}
}

// Name identifies the backend in logs and errors.
func (b *Backend) Name() string {
	return backendName
}

// newClient builds a client bound to the current key so a rotated key
// applies to the next call.
func (b *Backend) newClient(ctx context.Context, key string) (*genai.Client, error) {
	return genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     key,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: b.httpClient,
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    b.baseURL,
			APIVersion: DefaultAPIVersion,
		},
	})
}

// Generate sends the image inline with the fixed prompt and returns the
// concatenated text of the first candidate.
func (b *Backend) Generate(ctx context.Context, prompt classifier.Prompt, req *classifier.Request) (string, error) {
	key := strings.TrimSpace(b.apiKey())
	if key == "" {
		return "", classifier.Permanent(backendName, classifier.ErrMissingAPIKey)
	}

	client, err := b.newClient(ctx, key)
	if err != nil {
		return "", classifier.Permanent(backendName, fmt.Errorf("create client: %w", err))
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(prompt.Text),
			genai.NewPartFromBytes(req.Data(), req.MIMEType()),
		}, genai.RoleUser),
	}
	var config *genai.GenerateContentConfig
	if prompt.Instruction != "" {
		config = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(prompt.Instruction, genai.RoleUser),
		}
	}

	start := time.Now()
	resp, err := client.Models.GenerateContent(ctx, b.model, contents, config)
	b.logger.Debug("generateContent returned",
		zap.String("model", b.model),
		zap.String("variant", string(req.Variant())),
		zap.Duration("latency", time.Since(start)),
		zap.Error(err),
	)
	if err != nil {
		return "", callError(ctx, err)
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return "", &classifier.ServiceError{
			Kind:    classifier.KindPermanent,
			Backend: backendName,
			Status:  "BLOCKED",
			Message: "request blocked: " + string(resp.PromptFeedback.BlockReason),
		}
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", classifier.Permanent(backendName, errors.New("response contained no candidates"))
	}

	var text strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p != nil {
			text.WriteString(p.Text)
		}
	}
	return text.String(), nil
}

// callError maps a failed SDK call onto the classifier taxonomy.
func callError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return classifier.Permanent(backendName, ctxErr)
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return statusError(apiErr)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return statusError(*apiErrPtr)
	}
	return classifier.Permanent(backendName, fmt.Errorf("send request: %w", err)).Classified()
}

// statusError classifies a non-2xx reply. Unavailability, by code, status
// or anywhere in the description, is transient.
func statusError(apiErr genai.APIError) error {
	message := strings.TrimSpace(apiErr.Message)
	if len(message) > maxErrorMessage {
		message = message[:maxErrorMessage]
	}
	svcErr := &classifier.ServiceError{
		Kind:       classifier.KindPermanent,
		Backend:    backendName,
		StatusCode: apiErr.Code,
		Status:     apiErr.Status,
		Message:    message,
	}
	if apiErr.Code == http.StatusServiceUnavailable ||
		strings.EqualFold(apiErr.Status, "UNAVAILABLE") ||
		classifier.LooksOverloaded(apiErr.Message) {
		svcErr.Kind = classifier.KindTransient
	}
	return svcErr.Classified()
}
