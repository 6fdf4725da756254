package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"pgregory.net/rapid"
)

var allKinds = []Kind{
	KindValidation, KindTransient, KindPermanent, KindCancellation,
	KindNotFound, KindInvalidState, KindConflict,
}

// TestProperty_KindOf_SurvivesWrapping tests that classification survives fmt.Errorf wrapping
// *For any* kind and wrap depth, KindOf SHALL return the kind the error was created with.
func TestProperty_KindOf_SurvivesWrapping(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		kind := allKinds[rapid.IntRange(0, len(allKinds)-1).Draw(rt, "kind")]
		depth := rapid.IntRange(0, 5).Draw(rt, "depth")
		msg := rapid.StringMatching(`[a-z ]{1,30}`).Draw(rt, "msg")

		var err error = E(kind, "op", stderrors.New(msg))
		for i := 0; i < depth; i++ {
			err = fmt.Errorf("layer %d: %w", i, err)
		}

		if got := KindOf(err); got != kind {
			t.Fatalf("PROPERTY VIOLATION: expected kind %s after %d wraps, got %s", kind, depth, got)
		}
	})
}

// TestProperty_FromError_StatusMatchesKind tests that every kind maps to a stable HTTP status
// *For any* classified error, FromError SHALL return a non-nil APIError with the status of its kind.
func TestProperty_FromError_StatusMatchesKind(t *testing.T) {
	expected := map[Kind]int{
		KindValidation:   http.StatusBadRequest,
		KindTransient:    http.StatusServiceUnavailable,
		KindPermanent:    http.StatusInternalServerError,
		KindCancellation: http.StatusGatewayTimeout,
		KindNotFound:     http.StatusNotFound,
		KindInvalidState: http.StatusConflict,
		KindConflict:     http.StatusConflict,
	}

	rapid.Check(t, func(rt *rapid.T) {
		kind := allKinds[rapid.IntRange(0, len(allKinds)-1).Draw(rt, "kind")]
		apiErr := FromError(E(kind, "op", stderrors.New("boom")), nil)

		if apiErr == nil {
			t.Fatal("PROPERTY VIOLATION: FromError returned nil for a non-nil error")
		}
		if apiErr.HTTPStatus != expected[kind] {
			t.Fatalf("PROPERTY VIOLATION: kind %s mapped to %d, expected %d", kind, apiErr.HTTPStatus, expected[kind])
		}
		if apiErr.Code == "" || apiErr.Message == "" {
			t.Fatal("PROPERTY VIOLATION: API error must carry code and message")
		}
	})
}

func TestKindOf_ContextErrors(t *testing.T) {
	if KindOf(context.Canceled) != KindCancellation {
		t.Errorf("context.Canceled should classify as cancellation")
	}
	if KindOf(fmt.Errorf("call: %w", context.DeadlineExceeded)) != KindTransient {
		t.Errorf("deadline exceeded should classify as transient")
	}
	if KindOf(stderrors.New("plain")) != KindInternal {
		t.Errorf("unclassified errors should be internal")
	}
	if E(KindTransient, "op", nil) != nil {
		t.Errorf("wrapping nil should yield nil")
	}
}

func TestError_MessageIncludesOp(t *testing.T) {
	err := Permanent("ingest.extract", stderrors.New("unsupported file type"))
	if err.Error() != "ingest.extract: unsupported file type" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if !IsPermanent(err) || IsTransient(err) {
		t.Errorf("permanent error misclassified")
	}
}

func TestNewErrorResponse(t *testing.T) {
	resp := NewErrorResponse(ErrJobNotFoundError, "req-1", "corr-1", "/api/v1/jobs/x", http.MethodGet)
	if resp.Error.Code != ErrJobNotFound || resp.RequestID != "req-1" || resp.CorrelationID != "corr-1" {
		t.Errorf("unexpected response %+v", resp)
	}
}
