package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"medvault.org/internal/obs"
)

func TestLogAppend(t *testing.T) {
	logger := obs.Logger()
	original := logger.Writer()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	ctx := WithRequestID(context.Background(), "req-123")
	LogAppend(ctx, Entry{
		ID:            "01TEST",
		SubjectID:     "P1",
		ActorID:       "D1",
		Action:        ActionViewRecords,
		Method:        MethodQRCode,
		Outcome:       OutcomeFailure,
		FailureReason: ReasonExpired,
		Timestamp:     time.Now().UTC(),
		Metadata:      map[string]string{"origin": "10.0.0.7"},
	})

	line := buf.String()
	if line == "" {
		t.Fatal("expected log output")
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if decoded["type"] != "audit" {
		t.Fatalf("unexpected type: %v", decoded["type"])
	}
	if decoded["subject_id"] != "P1" || decoded["actor_id"] != "D1" {
		t.Fatalf("identity fields missing: %v", decoded)
	}
	if decoded["failure_reason"] != "expired" {
		t.Fatalf("unexpected failure reason: %v", decoded["failure_reason"])
	}
	if decoded["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", decoded["request_id"])
	}
	meta, ok := decoded["metadata"].(map[string]any)
	if !ok || meta["origin"] != "10.0.0.7" {
		t.Fatalf("metadata missing or incorrect: %v", decoded["metadata"])
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := RequestIDFromContext(ctx); got != "" {
		t.Fatalf("expected empty id, got %q", got)
	}
	ctx = WithRequestID(ctx, "  ")
	if got := RequestIDFromContext(ctx); got != "" {
		t.Fatalf("blank id should not be stored, got %q", got)
	}
	ctx = WithRequestID(ctx, "req-9")
	if got := RequestIDFromContext(ctx); got != "req-9" {
		t.Fatalf("unexpected id: %q", got)
	}
}
