package audit

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"
)

func TestJSONLogger_MasksSensitiveMetadata(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLogger(&buf)

	l.Log(LogEntry{
		Timestamp: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		Site:      "astro",
		UserID:    7,
		Action:    "POST /api/chat/astro/questions",
		Resource:  "/api/chat/astro/questions",
		Status:    201,
		Metadata:  map[string]any{"email": "ada@example.com", "stripe_customer_id": "cus_1", "reason": "ok"},
	})

	var got LogEntry
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &got); err != nil {
		t.Fatalf("invalid json line %q: %v", buf.String(), err)
	}
	if got.Metadata["email"] != "***REDACTED***" || got.Metadata["stripe_customer_id"] != "***REDACTED***" {
		t.Errorf("sensitive metadata not masked: %v", got.Metadata)
	}
	if got.Metadata["reason"] != "ok" {
		t.Errorf("reason should pass through, got %v", got.Metadata["reason"])
	}
	if got.Site != "astro" || got.UserID != 7 {
		t.Errorf("entry fields lost: %+v", got)
	}
}
