package logger

import (
	"strings"
	"testing"
)

func TestSanitizeKVsRedactsSecrets(t *testing.T) {
	kv := sanitizeKVs([]interface{}{
		"stripe_signature", "t=1,v1=abc",
		"email", "buyer@example.com",
		"error", "auth failed for sk_test_123",
		"report_id", "r-1",
	})
	if got := kv[1]; got != "[REDACTED]" {
		t.Fatalf("signature not redacted: %v", got)
	}
	if got := kv[3]; got != "[REDACTED]" {
		t.Fatalf("email not redacted: %v", got)
	}
	if got := kv[7]; got != "r-1" {
		t.Fatalf("report_id should pass through, got %v", got)
	}
}

func TestSanitizeKVsHashesUserID(t *testing.T) {
	kv := sanitizeKVs([]interface{}{"user_id", "4f2d"})
	s, _ := kv[1].(string)
	if !strings.HasPrefix(s, "hash:") || strings.Contains(s, "4f2d") {
		t.Fatalf("user_id not hashed: %q", s)
	}
}

func TestSanitizeKVsOddLength(t *testing.T) {
	kv := sanitizeKVs([]interface{}{"a", 1, "dangling"})
	if len(kv) != 3 || kv[2] != "dangling" {
		t.Fatalf("unexpected kv: %#v", kv)
	}
}
