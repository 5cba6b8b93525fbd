package classifier

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/example/cyto-check/internal/imageprocessor"
)

// Retry defaults: three attempts, waiting 1s then 2s between them.
const (
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = time.Second
)

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Client wraps a Backend with label mapping and bounded retry.
type Client struct {
	backend        Backend
	prompt         Prompt
	logger         *zap.Logger
	maxAttempts    int
	initialBackoff time.Duration
	sleep          Sleeper
}

// Option customises a Client.
type Option func(*Client)

// WithSleeper replaces the backoff wait, mainly for tests.
func WithSleeper(s Sleeper) Option {
	return func(c *Client) {
		if s != nil {
			c.sleep = s
		}
	}
}

// WithRetry overrides the attempt budget and first backoff delay.
func WithRetry(maxAttempts int, initialBackoff time.Duration) Option {
	return func(c *Client) {
		if maxAttempts > 0 {
			c.maxAttempts = maxAttempts
		}
		if initialBackoff > 0 {
			c.initialBackoff = initialBackoff
		}
	}
}

// WithPrompt replaces the instruction and user prompt.
func WithPrompt(p Prompt) Option {
	return func(c *Client) {
		c.prompt = p
	}
}

// NewClient constructs a Client around backend.
func NewClient(backend Backend, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		backend:        backend,
		prompt:         DefaultPrompt,
		logger:         logger.Named("classifier"),
		maxAttempts:    DefaultMaxAttempts,
		initialBackoff: DefaultInitialBackoff,
		sleep:          sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify returns the label for img. Transient failures are retried with
// exponential backoff; anything else, or an exhausted budget, yields a
// *DiagnosisError.
func (c *Client) Classify(ctx context.Context, img imageprocessor.EncodedImage, variant Variant) (Label, error) {
	req, err := NewRequest(img, variant)
	if err != nil {
		return "", &DiagnosisError{Variant: variant, Err: err}
	}

	logger := c.logger.With(zap.String("variant", string(variant)), zap.String("backend", c.backend.Name()))

	var lastErr error
	attempts := 0
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		attempts = attempt + 1
		text, err := c.backend.Generate(ctx, c.prompt, req)
		if err == nil {
			label := ParseLabel(text)
			if label == LabelUnclear {
				logger.Warn("unexpected classification from model", zap.String("text", text))
			}
			if attempt > 0 {
				logger.Info("classification succeeded after retry", zap.Int("attempt", attempts))
			}
			return label, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			break
		}

		if KindOf(err) != KindTransient || attempt == c.maxAttempts-1 {
			break
		}

		delay := c.initialBackoff << attempt
		logger.Warn("model is overloaded, retrying",
			zap.Error(err),
			zap.Duration("delay", delay),
			zap.Int("next_attempt", attempt+2),
			zap.Int("max_attempts", c.maxAttempts),
		)
		if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
			lastErr = errors.Join(err, sleepErr)
			break
		}
	}

	diagErr := &DiagnosisError{
		Variant:    variant,
		Attempts:   attempts,
		Overloaded: KindOf(lastErr) == KindTransient,
		Err:        lastErr,
	}
	logger.Error("classification failed", zap.Error(lastErr), zap.Int("attempts", attempts), zap.Bool("overloaded", diagErr.Overloaded))
	return "", diagErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
