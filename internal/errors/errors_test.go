package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapKeepsCodeAcrossLayers(t *testing.T) {
	base := stdErrors.New("insufficient funds for gas")
	wrapped := Wrap(CodeChainFailure, base, "发送交易失败")
	outer := fmt.Errorf("item 2: %w", wrapped)

	if CodeOf(outer) != CodeChainFailure {
		t.Fatalf("unexpected code: %s", CodeOf(outer))
	}
	if !HasCode(outer, CodeChainFailure) {
		t.Fatalf("expected HasCode to find chain failure")
	}
	if !stdErrors.Is(outer, base) {
		t.Fatalf("expected cause to be preserved")
	}
	if !RetryableError(outer) {
		t.Fatalf("chain failures are retryable by default")
	}
}

func TestUserMessageFallbacks(t *testing.T) {
	Register("TEST_USER_MESSAGE", Attributes{Message: "internal", UserMessage: "展示文案"})

	if got := New("TEST_USER_MESSAGE", "").UserMessage(); got != "展示文案" {
		t.Fatalf("expected registered user message, got %q", got)
	}
	if got := New("TEST_USER_MESSAGE", "", WithUserMessage("覆盖")).UserMessage(); got != "覆盖" {
		t.Fatalf("expected override, got %q", got)
	}
	if got := UserMessageOf(stdErrors.New("plain")); got != "plain" {
		t.Fatalf("expected plain error text, got %q", got)
	}
	if got := New("UNREGISTERED_CODE", "raw message").UserMessage(); got != AttributesOf(CodeUnknown).UserMessage {
		t.Fatalf("unregistered codes fall back to UNKNOWN attributes, got %q", got)
	}
}

func TestIsComparesCodes(t *testing.T) {
	sentinel := New(CodeConflict, "conflict")
	other := New(CodeConflict, "another conflict message")
	if !stdErrors.Is(other, sentinel) {
		t.Fatalf("errors with the same code should match")
	}
	if stdErrors.Is(New(CodeNotFound, ""), sentinel) {
		t.Fatalf("different codes must not match")
	}
}
