package toolbridge

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRedact_ScrubsSecretsAndTruncates(t *testing.T) {
	in := `token=sk-abc123 the rest is fine`
	out := Redact(in)
	if strings.Contains(out, "sk-abc123") {
		t.Fatalf("expected secret to be redacted, got %q", out)
	}

	long := strings.Repeat("a", maxRecordedOutput+50)
	if got := Redact(long); !strings.HasSuffix(got, "...[truncated]") || len(got) != maxRecordedOutput+len("...[truncated]") {
		t.Fatalf("expected truncation marker appended, got len %d", len(got))
	}
}

func TestBridge_ParsesLastJSONLineFromEcho(t *testing.T) {
	// Simulate a tool-bridge subprocess that writes noise then a JSON
	// object as the final stdout line, per spec.md §6.
	script := `echo "starting up"; echo '{"ok":true,"data":["a.go","b.go"]}'`
	limiter := New(DefaultLimiterConfig())
	b := NewBridge("sh", []string{"-c", script}, limiter)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := b.Call(ctx, Request{Action: ActionListDir, TargetProject: "/tmp/proj"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !resp.OK {
		t.Fatalf("expected ok response, got %+v", resp)
	}
}

func TestBridge_PropagatesBridgeError(t *testing.T) {
	script := `echo '{"ok":false,"error":"boom"}'`
	limiter := New(DefaultLimiterConfig())
	b := NewBridge("sh", []string{"-c", script}, limiter)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := b.ReadFile(ctx, "/tmp/proj", "a.go"); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected bridge error to propagate, got %v", err)
	}
}
