package classifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/cyto-check/internal/imageprocessor"
)

type scriptedReply struct {
	text string
	err  error
}

type stubBackend struct {
	replies []scriptedReply
	calls   int
	lastReq *Request
	prompt  Prompt
}

func (s *stubBackend) Name() string { return "stub" }

func (s *stubBackend) Generate(ctx context.Context, prompt Prompt, req *Request) (string, error) {
	s.calls++
	s.lastReq = req
	s.prompt = prompt
	if len(s.replies) == 0 {
		return "", errors.New("no scripted reply")
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	return reply.text, reply.err
}

type recordingSleeper struct {
	delays []time.Duration
	err    error
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return r.err
}

func testImage() imageprocessor.EncodedImage {
	return imageprocessor.EncodedImage{MIMEType: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}}
}

func newTestClient(backend Backend, sleeper *recordingSleeper) *Client {
	return NewClient(backend, zap.NewNop(), WithSleeper(sleeper.sleep))
}

func TestClassifyReturnsTrimmedCanonicalLabel(t *testing.T) {
	for _, label := range CanonicalLabels {
		backend := &stubBackend{replies: []scriptedReply{{text: "  \n" + string(label) + "\t "}}}
		got, err := newTestClient(backend, &recordingSleeper{}).Classify(context.Background(), testImage(), VariantOriginal)
		if err != nil {
			t.Fatalf("expected success, got %v", err)
		}
		if got != label {
			t.Fatalf("expected %q, got %q", label, got)
		}
	}
}

func TestClassifyMapsUnknownTextToUnclear(t *testing.T) {
	backend := &stubBackend{replies: []scriptedReply{{text: "This looks like a koala."}}}
	got, err := newTestClient(backend, &recordingSleeper{}).Classify(context.Background(), testImage(), VariantAugmented)
	if err != nil {
		t.Fatalf("unclear result must not be an error: %v", err)
	}
	if got != LabelUnclear {
		t.Fatalf("expected %q, got %q", LabelUnclear, got)
	}
}

func TestParseLabel(t *testing.T) {
	cases := map[string]Label{
		"Normal Cell":                                LabelNormal,
		"Diagnosis: Cancerous Cell - cervix_mep.":    LabelCervixMep,
		"normal cell":                                LabelUnclear,
		"Normal Cell or Cancerous Cell - cervix_pab": LabelUnclear,
		"":                                           LabelUnclear,
	}
	for text, want := range cases {
		if got := ParseLabel(text); got != want {
			t.Errorf("ParseLabel(%q) = %q, want %q", text, got, want)
		}
		if !ParseLabel(text).Valid() {
			t.Errorf("ParseLabel(%q) returned an invalid label", text)
		}
	}
}

func TestClassifyRetriesOverloadedFailures(t *testing.T) {
	overloaded := errors.New("the model is overloaded")
	backend := &stubBackend{replies: []scriptedReply{{err: overloaded}, {err: overloaded}, {err: overloaded}}}
	sleeper := &recordingSleeper{}

	_, err := newTestClient(backend, sleeper).Classify(context.Background(), testImage(), VariantOriginal)

	var diagErr *DiagnosisError
	if !errors.As(err, &diagErr) {
		t.Fatalf("expected DiagnosisError, got %T (%v)", err, err)
	}
	if backend.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", backend.calls)
	}
	if len(sleeper.delays) != 2 || sleeper.delays[0] != time.Second || sleeper.delays[1] != 2*time.Second {
		t.Fatalf("expected delays [1s 2s], got %v", sleeper.delays)
	}
	if !diagErr.Overloaded || err.Error() != MessageOverloaded {
		t.Fatalf("expected overloaded message, got %q", err.Error())
	}
	if !errors.Is(err, overloaded) {
		t.Fatal("expected the last backend failure to be wrapped")
	}
}

func TestClassifyDoesNotRetryPermanentFailures(t *testing.T) {
	backend := &stubBackend{replies: []scriptedReply{{err: errors.New("API key not valid")}}}
	sleeper := &recordingSleeper{}

	_, err := newTestClient(backend, sleeper).Classify(context.Background(), testImage(), VariantOriginal)
	if err == nil || err.Error() != MessageFailed {
		t.Fatalf("expected generic failure message, got %v", err)
	}
	if backend.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", backend.calls)
	}
	if len(sleeper.delays) != 0 {
		t.Fatalf("expected no backoff, got %v", sleeper.delays)
	}
}

func TestClassifyRecoversAfterServiceUnavailable(t *testing.T) {
	unavailable := errors.New(`{"code":503}`)
	backend := &stubBackend{replies: []scriptedReply{
		{err: unavailable},
		{err: unavailable},
		{text: "Cancerous Cell - cervix_dyk"},
	}}
	sleeper := &recordingSleeper{}

	got, err := newTestClient(backend, sleeper).Classify(context.Background(), testImage(), VariantOriginal)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if got != LabelCervixDyk {
		t.Fatalf("expected %q, got %q", LabelCervixDyk, got)
	}
	var waited time.Duration
	for _, d := range sleeper.delays {
		waited += d
	}
	if waited != 3*time.Second {
		t.Fatalf("expected 3s of backoff, got %v", waited)
	}
}

func TestClassifyRetriesTagBuiltFromDescription(t *testing.T) {
	// Tagged permanent from its status code, but the description names 503.
	tagged := (&ServiceError{Kind: KindPermanent, Backend: "stub", StatusCode: 500, Message: "upstream answered 503"}).Classified()
	backend := &stubBackend{replies: []scriptedReply{{err: tagged}, {err: tagged}, {err: tagged}}}
	sleeper := &recordingSleeper{}

	_, err := newTestClient(backend, sleeper).Classify(context.Background(), testImage(), VariantOriginal)
	if err == nil || err.Error() != MessageOverloaded {
		t.Fatalf("expected overloaded message, got %v", err)
	}
	if backend.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", backend.calls)
	}
}

func TestClassifyTrustsStructuredTransientTag(t *testing.T) {
	// No indicator in the text; the structured tag alone drives the retry.
	tagged := &ServiceError{Kind: KindTransient, Backend: "stub", Status: "RETRY_LATER", Message: "try again"}
	backend := &stubBackend{replies: []scriptedReply{{err: tagged}, {text: "Normal Cell"}}}
	sleeper := &recordingSleeper{}

	got, err := newTestClient(backend, sleeper).Classify(context.Background(), testImage(), VariantOriginal)
	if err != nil || got != LabelNormal {
		t.Fatalf("expected Normal Cell, got %q (%v)", got, err)
	}
	if backend.calls != 2 {
		t.Fatalf("expected 2 calls, got %d", backend.calls)
	}
}

func TestClassifyStopsWhenBackoffInterrupted(t *testing.T) {
	backend := &stubBackend{replies: []scriptedReply{{err: Transient("stub", errors.New("busy"))}}}
	sleeper := &recordingSleeper{err: context.Canceled}

	_, err := newTestClient(backend, sleeper).Classify(context.Background(), testImage(), VariantOriginal)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled in chain, got %v", err)
	}
	if backend.calls != 1 {
		t.Fatalf("expected 1 call, got %d", backend.calls)
	}
}

func TestClassifySendsImmutableRequest(t *testing.T) {
	img := testImage()
	backend := &stubBackend{replies: []scriptedReply{{text: "Normal Cell"}}}
	if _, err := newTestClient(backend, &recordingSleeper{}).Classify(context.Background(), img, VariantAugmented); err != nil {
		t.Fatalf("classify: %v", err)
	}
	img.Data[0] = 0
	if backend.lastReq.Data()[0] != 0x89 {
		t.Fatal("request must not alias caller bytes")
	}
	if backend.lastReq.Variant() != VariantAugmented || backend.lastReq.MIMEType() != "image/png" {
		t.Fatalf("unexpected request %+v", backend.lastReq)
	}
	if backend.prompt.Text != "Classify the provided cervical cytology image." {
		t.Fatalf("unexpected prompt %q", backend.prompt.Text)
	}
}

func TestClassifyRejectsUnknownVariant(t *testing.T) {
	backend := &stubBackend{}
	_, err := newTestClient(backend, &recordingSleeper{}).Classify(context.Background(), testImage(), Variant("mirrored"))
	if !errors.Is(err, ErrUnknownVariant) {
		t.Fatalf("expected ErrUnknownVariant, got %v", err)
	}
	if backend.calls != 0 {
		t.Fatal("backend must not be called")
	}
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{errors.New("503 Service Unavailable"), KindTransient},
		{errors.New("UNAVAILABLE"), KindTransient},
		{errors.New("permission denied"), KindPermanent},
		{Transient("x", errors.New("anything")), KindTransient},
		{Permanent("x", errors.New("api key rejected")), KindPermanent},
		{Permanent("x", errors.New("model overloaded")).Classified(), KindTransient},
		{(&ServiceError{Kind: KindPermanent, StatusCode: 503}).Classified(), KindTransient},
		{nil, KindPermanent},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Errorf("KindOf(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
