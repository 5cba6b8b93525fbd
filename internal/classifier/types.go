// Package classifier sends canonical images to the remote diagnosis model
// and maps its free-form reply onto a closed label set.
package classifier

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/example/cyto-check/internal/imageprocessor"
)

// Variant tags which of the two images a request corresponds to. Both
// variants go to the same remote endpoint.
type Variant string

const (
	VariantOriginal  Variant = "original"
	VariantAugmented Variant = "augmented"
)

// Valid reports whether v is a known variant.
func (v Variant) Valid() bool {
	return v == VariantOriginal || v == VariantAugmented
}

// ParseVariant converts a user supplied string into a Variant.
func ParseVariant(s string) (Variant, error) {
	v := Variant(strings.ToLower(strings.TrimSpace(s)))
	if !v.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownVariant, s)
	}
	return v, nil
}

// Label is a diagnosis returned to callers.
type Label string

const (
	LabelNormal    Label = "Normal Cell"
	LabelCervixDyk Label = "Cancerous Cell - cervix_dyk"
	LabelCervixKoc Label = "Cancerous Cell - cervix_koc"
	LabelCervixMep Label = "Cancerous Cell - cervix_mep"
	LabelCervixPab Label = "Cancerous Cell - cervix_pab"

	// LabelUnclear is returned when the reply names no single label. It is
	// a successful outcome.
	LabelUnclear Label = "Classification unclear"
)

// CanonicalLabels are the labels the remote model is instructed to emit.
var CanonicalLabels = []Label{LabelNormal, LabelCervixDyk, LabelCervixKoc, LabelCervixMep, LabelCervixPab}

// Valid reports whether l is one of the six values callers may observe.
func (l Label) Valid() bool {
	return l == LabelUnclear || l.Canonical()
}

// Canonical reports whether l is one of the five model labels.
func (l Label) Canonical() bool {
	for _, c := range CanonicalLabels {
		if l == c {
			return true
		}
	}
	return false
}

// Cancerous reports whether the label names a cancerous cell class.
func (l Label) Cancerous() bool {
	return l.Canonical() && l != LabelNormal
}

// ParseLabel trims the reply and returns the single canonical label it
// contains, or LabelUnclear when it contains none or several.
func ParseLabel(text string) Label {
	text = strings.TrimSpace(text)
	var found Label
	matches := 0
	for _, c := range CanonicalLabels {
		if strings.Contains(text, string(c)) {
			found = c
			matches++
		}
	}
	if matches != 1 {
		return LabelUnclear
	}
	return found
}

var (
	ErrUnknownVariant = errors.New("unknown model variant")
	ErrEmptyPayload   = errors.New("classification payload is empty")
)

// Request is an immutable classification request.
type Request struct {
	data     []byte
	mimeType string
	variant  Variant
}

// NewRequest copies img into a request for the given variant.
func NewRequest(img imageprocessor.EncodedImage, variant Variant) (*Request, error) {
	if !variant.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVariant, variant)
	}
	if img.IsZero() || img.MIMEType == "" {
		return nil, ErrEmptyPayload
	}
	data := make([]byte, len(img.Data))
	copy(data, img.Data)
	return &Request{data: data, mimeType: img.MIMEType, variant: variant}, nil
}

func (r *Request) Data() []byte { return r.data }

func (r *Request) MIMEType() string { return r.mimeType }

func (r *Request) Variant() Variant { return r.variant }

func (r *Request) Base64() string { return base64.StdEncoding.EncodeToString(r.data) }

// Prompt is the fixed text sent alongside every image.
type Prompt struct {
	Instruction string
	Text        string
}

// DefaultPrompt constrains the remote model to the canonical labels.
var DefaultPrompt = Prompt{
	Instruction: "You are an expert AI specializing in cervical cancer diagnosis from cytology images. " +
		"Your task is to analyze the provided image and classify it into one of the following exact categories: " +
		"'Normal Cell', 'Cancerous Cell - cervix_dyk', 'Cancerous Cell - cervix_koc', 'Cancerous Cell - cervix_mep', " +
		"or 'Cancerous Cell - cervix_pab'. You must respond with only the classification name and nothing else. " +
		"Do not add any extra text, descriptions, or explanations.",
	Text: "Classify the provided cervical cytology image.",
}

// Backend performs a single remote call and returns the raw reply text.
// Failures should be *ServiceError so retry decisions need no string
// inspection.
type Backend interface {
	Name() string
	Generate(ctx context.Context, prompt Prompt, req *Request) (string, error)
}
