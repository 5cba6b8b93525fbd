package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/cyto-check/internal/classifier"
	"github.com/example/cyto-check/internal/imageprocessor"
	"github.com/example/cyto-check/internal/logging"
)

// State is the top-level position of a diagnosis session.
type State string

const (
	StateUploading  State = "uploading"
	StatePredicting State = "predicting"
	StateResults    State = "results"
)

var (
	ErrInvalidTransition = errors.New("action not allowed in the current state")
	ErrBusy              = errors.New("session is busy")
	ErrMissingImages     = errors.New("image data is missing")
	ErrRoundAbandoned    = errors.New("round was abandoned by cancel or reset")
)

// Messages stored on the session for display.
const (
	MessageUploadFailed  = "Failed to process image. Please try another file."
	MessageMissingImages = "Image data is missing. Please re-upload."
	MessagePredictFailed = "Failed to get prediction from our model. Please try again."
)

// Normalizer turns an upload into a canonical image.
type Normalizer interface {
	Normalize(ctx context.Context, data []byte) (imageprocessor.EncodedImage, error)
}

// Augmenter derives the perturbed copy of a canonical image.
type Augmenter interface {
	Augment(ctx context.Context, src imageprocessor.EncodedImage) (imageprocessor.EncodedImage, imageprocessor.AugmentParams, error)
}

// Classifier labels one image variant.
type Classifier interface {
	Classify(ctx context.Context, img imageprocessor.EncodedImage, variant classifier.Variant) (classifier.Label, error)
}

// Pipeline bundles the collaborators a session drives.
type Pipeline struct {
	Normalizer Normalizer
	Augmenter  Augmenter
	Classifier Classifier
	Metrics    *Metrics
}

// Predictions pairs the labels of one classification round.
type Predictions struct {
	Original  classifier.Label `json:"original"`
	Augmented classifier.Label `json:"augmented"`
}

// Snapshot is a consistent copy of a session's state.
type Snapshot struct {
	ID            string                        `json:"id"`
	State         State                         `json:"state"`
	FileName      string                        `json:"file_name,omitempty"`
	Original      *imageprocessor.EncodedImage  `json:"-"`
	Augmented     *imageprocessor.EncodedImage  `json:"-"`
	AugmentParams *imageprocessor.AugmentParams `json:"augment_params,omitempty"`
	Predictions   *Predictions                  `json:"predictions,omitempty"`
	Error         string                        `json:"error,omitempty"`
	Loading       bool                          `json:"loading"`
	UpdatedAt     time.Time                     `json:"updated_at"`
}

// Session is the uploading -> predicting -> results state machine. State is
// only read or written under mu; image processing and remote calls run
// with mu released. Cancel and Reset bump generation, and work started
// under an older generation never touches state.
type Session struct {
	id       string
	pipeline Pipeline
	logger   *zap.Logger
	now      func() time.Time

	mu          sync.Mutex
	state       State
	fileName    string
	original    *imageprocessor.EncodedImage
	augmented   *imageprocessor.EncodedImage
	params      *imageprocessor.AugmentParams
	predictions *Predictions
	errMsg      string
	loading     bool
	generation  uint64
	cancelWork  context.CancelFunc
	updatedAt   time.Time
}

// NewSession constructs a session in the uploading state.
func NewSession(id string, pipeline Pipeline, logger *zap.Logger) *Session {
	if pipeline.Metrics == nil {
		pipeline.Metrics = &Metrics{}
	}
	s := &Session{
		id:       id,
		pipeline: pipeline,
		logger:   logger.With(zap.String("session_id", id)),
		now:      time.Now,
		state:    StateUploading,
	}
	s.updatedAt = s.now()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Upload normalizes data and derives its augmented copy. On success the
// session moves to predicting; on failure it stays in uploading with an
// error message set.
func (s *Session) Upload(ctx context.Context, fileName string, data []byte) error {
	s.mu.Lock()
	if s.state != StateUploading {
		s.mu.Unlock()
		return ErrInvalidTransition
	}
	if s.loading {
		s.mu.Unlock()
		return ErrBusy
	}
	ctx, cancel := context.WithCancel(ctx)
	s.loading = true
	s.errMsg = ""
	s.fileName = fileName
	s.cancelWork = cancel
	gen := s.generation
	s.touch()
	s.mu.Unlock()
	defer cancel()

	opLogger := logging.WithOperation(s.logger, "usecase.upload", "")

	original, err := s.pipeline.Normalizer.Normalize(ctx, data)
	var (
		augmented imageprocessor.EncodedImage
		params    imageprocessor.AugmentParams
	)
	if err == nil {
		augmented, params, err = s.pipeline.Augmenter.Augment(ctx, original)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		opLogger.Info("discarding upload for abandoned session state")
		return ErrRoundAbandoned
	}
	s.loading = false
	s.cancelWork = nil
	s.touch()

	if err != nil {
		s.errMsg = MessageUploadFailed
		s.fileName = ""
		opLogger.Warn("failed to process image", zap.String("file_name", fileName), zap.Error(err))
		return err
	}

	s.original = &original
	s.augmented = &augmented
	s.params = &params
	s.state = StatePredicting
	opLogger.Info("image prepared", zap.String("file_name", fileName), zap.Float64("angle_rad", params.Angle))
	return nil
}

// Predict runs one classification round: both variants are classified
// concurrently and the round succeeds only if both calls succeed.
func (s *Session) Predict(ctx context.Context) (Predictions, error) {
	s.mu.Lock()
	if s.state != StatePredicting {
		s.mu.Unlock()
		return Predictions{}, ErrInvalidTransition
	}
	if s.loading {
		s.mu.Unlock()
		return Predictions{}, ErrBusy
	}
	if s.original == nil || s.augmented == nil {
		s.errMsg = MessageMissingImages
		s.touch()
		s.mu.Unlock()
		return Predictions{}, ErrMissingImages
	}
	ctx, cancel := context.WithCancel(ctx)
	original, augmented := *s.original, *s.augmented
	s.loading = true
	s.errMsg = ""
	s.cancelWork = cancel
	gen := s.generation
	s.touch()
	s.mu.Unlock()
	defer cancel()

	roundID := uuid.NewString()
	opLogger := logging.WithOperation(s.logger, "usecase.predict", "").With(zap.String("round_id", roundID))
	start := s.now()

	preds, err := s.classifyRound(ctx, original, augmented)
	latency := s.now().Sub(start)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		s.pipeline.Metrics.observeAbandoned()
		opLogger.Info("ignoring result of abandoned round", zap.Duration("latency", latency))
		return Predictions{}, ErrRoundAbandoned
	}
	s.loading = false
	s.cancelWork = nil
	s.touch()
	s.pipeline.Metrics.observeRound(preds, err, latency)

	if err != nil {
		s.errMsg = userMessage(err)
		opLogger.Error("classification round failed", zap.Error(err), zap.Duration("latency", latency))
		return Predictions{}, err
	}

	s.predictions = &preds
	s.state = StateResults
	opLogger.Info("classification round complete",
		zap.String("original", string(preds.Original)),
		zap.String("augmented", string(preds.Augmented)),
		zap.Duration("latency", latency),
	)
	return preds, nil
}

func (s *Session) classifyRound(ctx context.Context, original, augmented imageprocessor.EncodedImage) (Predictions, error) {
	var (
		g     errgroup.Group
		preds Predictions
	)
	g.Go(func() error {
		label, err := s.pipeline.Classifier.Classify(ctx, original, classifier.VariantOriginal)
		preds.Original = label
		return err
	})
	g.Go(func() error {
		label, err := s.pipeline.Classifier.Classify(ctx, augmented, classifier.VariantAugmented)
		preds.Augmented = label
		return err
	})
	if err := g.Wait(); err != nil {
		return Predictions{}, err
	}
	return preds, nil
}

// Cancel leaves the predicting state, discarding both images. Any round in
// flight is abandoned.
func (s *Session) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePredicting {
		return ErrInvalidTransition
	}
	s.clear()
	return nil
}

// Reset returns to the initial uploading state from any state.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clear()
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:        s.id,
		State:     s.state,
		FileName:  s.fileName,
		Error:     s.errMsg,
		Loading:   s.loading,
		UpdatedAt: s.updatedAt,
	}
	if s.original != nil {
		img := *s.original
		snap.Original = &img
	}
	if s.augmented != nil {
		img := *s.augmented
		snap.Augmented = &img
	}
	if s.params != nil {
		params := *s.params
		snap.AugmentParams = &params
	}
	if s.predictions != nil {
		preds := *s.predictions
		snap.Predictions = &preds
	}
	return snap
}

// idleSince reports when the session last changed and whether work is in
// flight.
func (s *Session) idleSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt, s.loading
}

func (s *Session) clear() {
	s.generation++
	if s.cancelWork != nil {
		s.cancelWork()
		s.cancelWork = nil
	}
	s.state = StateUploading
	s.fileName = ""
	s.original = nil
	s.augmented = nil
	s.params = nil
	s.predictions = nil
	s.errMsg = ""
	s.loading = false
	s.touch()
}

func (s *Session) touch() {
	s.updatedAt = s.now()
}

func userMessage(err error) string {
	var diagErr *classifier.DiagnosisError
	if errors.As(err, &diagErr) {
		return diagErr.Error()
	}
	return MessagePredictFailed
}
