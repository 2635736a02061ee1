package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapKeepsCodeThroughFmtWrapping(t *testing.T) {
	cause := stdErrors.New("dial tcp: refused")
	err := fmt.Errorf("stage owner funding: %w", Wrap(CodeTransient, cause, "rpc unavailable"))

	if CodeOf(err) != CodeTransient {
		t.Fatalf("expected TRANSIENT, got %s", CodeOf(err))
	}
	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable")
	}
	if !stdErrors.Is(err, New(CodeTransient, "")) {
		t.Fatalf("expected code comparison to match")
	}
	if !RetryableError(err) {
		t.Fatalf("transient errors must be retryable")
	}
}

func TestRetryableByCode(t *testing.T) {
	cases := map[string]struct {
		err  error
		want bool
	}{
		"reverted receipt":  {New(CodeChainReverted, "reverted"), false},
		"burner not seen":   {New(CodeDiscoveryMiss, ""), false},
		"owner locked":      {New(CodeOwnerLocked, ""), false},
		"receipt timeout":   {New(CodeTimeout, ""), true},
		"docker failure":    {New(CodeRuntimeFailure, ""), true},
		"unclassified":      {stdErrors.New("plain"), true},
		"interrupted":       {fmt.Errorf("wait: %w", context.Canceled), false},
		"interrupted coded": {Wrap(CodeTransient, context.Canceled, "faucet"), false},
		"nil":               {nil, false},
	}
	for name, tc := range cases {
		if got := RetryableError(tc.err); got != tc.want {
			t.Fatalf("%s: expected retryable=%v, got %v", name, tc.want, got)
		}
	}
}

func TestDefaultMessagesAndUnknownCodes(t *testing.T) {
	if got := New(CodeOwnerLocked, "").Error(); got != "[OWNER_LOCKED] owner identity is in use by another pipeline" {
		t.Fatalf("unexpected default message %q", got)
	}
	if AttributesOf("MISSING") != AttributesOf(CodeUnknown) {
		t.Fatalf("unknown codes must fall back to UNKNOWN")
	}
	if AttributesOf(CodeChainReverted).Severity != SeverityCritical {
		t.Fatalf("reverted receipts are critical")
	}
	if CodeOf(stdErrors.New("plain")) != CodeUnknown {
		t.Fatalf("plain errors have no code")
	}
}
