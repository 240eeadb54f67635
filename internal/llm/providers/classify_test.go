package providers

import (
	"context"
	"errors"
	"testing"

	"github.com/edgemind/edgemind/internal/errs"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want any
	}{
		{"rate limit", errors.New("429 rate limit exceeded"), &errs.TransientError{}},
		{"server error", errors.New("received 503 from upstream"), &errs.TransientError{}},
		{"connection", errors.New("connection refused"), &errs.TransientError{}},
		{"overloaded", errors.New("model overloaded, retry later"), &errs.TransientError{}},
		{"bad key", errors.New("401 invalid api key"), &errs.ConfigurationError{}},
		{"quota", errors.New("monthly quota exhausted"), &errs.ConfigurationError{}},
		{"bad request", errors.New("invalid request: unknown field"), &errs.LogicalError{}},
	}
	for _, tc := range cases {
		got := classify("test", "model-1", tc.err)
		switch tc.want.(type) {
		case *errs.TransientError:
			var target *errs.TransientError
			if !errors.As(got, &target) {
				t.Errorf("%s: expected transient, got %T (%v)", tc.name, got, got)
			}
		case *errs.ConfigurationError:
			var target *errs.ConfigurationError
			if !errors.As(got, &target) {
				t.Errorf("%s: expected configuration, got %T (%v)", tc.name, got, got)
			}
		case *errs.LogicalError:
			var target *errs.LogicalError
			if !errors.As(got, &target) {
				t.Errorf("%s: expected logical, got %T (%v)", tc.name, got, got)
			}
		}
	}
}

func TestClassify_PassesContextErrors(t *testing.T) {
	if got := classify("test", "", context.Canceled); !errors.Is(got, context.Canceled) {
		t.Errorf("context errors must pass through, got %v", got)
	}
	if got := classify("test", "", nil); got != nil {
		t.Errorf("nil stays nil, got %v", got)
	}
}

func TestClassifyStatus(t *testing.T) {
	var transient *errs.TransientError
	if !errors.As(classifyStatus("p", "m", 429, "slow down"), &transient) {
		t.Error("429 should be transient")
	}
	if !errors.As(classifyStatus("p", "m", 500, "boom"), &transient) {
		t.Error("500 should be transient")
	}
	var cfg *errs.ConfigurationError
	if !errors.As(classifyStatus("p", "m", 401, "no"), &cfg) {
		t.Error("401 should be configuration")
	}
	var logical *errs.LogicalError
	if !errors.As(classifyStatus("p", "m", 400, "bad"), &logical) {
		t.Error("400 should be logical")
	}
}

func TestOpenStream_RetriesTransientOnly(t *testing.T) {
	attempts := 0
	_, err := openStream(context.Background(), "test", "m", func() (int, error) {
		attempts++
		return 0, errors.New("401 unauthorized")
	})
	if err == nil || attempts != 1 {
		t.Errorf("non-transient failure must not retry: attempts=%d err=%v", attempts, err)
	}

	attempts = 0
	value, err := openStream(context.Background(), "test", "m", func() (int, error) {
		attempts++
		if attempts < 2 {
			return 0, errors.New("connection reset")
		}
		return 42, nil
	})
	if err != nil || value != 42 || attempts != 2 {
		t.Errorf("transient failure should retry to success: value=%d attempts=%d err=%v", value, attempts, err)
	}
}

func TestBase64Decode(t *testing.T) {
	decoded, err := base64Decode([]byte("aGVsbG8="))
	if err != nil || string(decoded) != "hello" {
		t.Errorf("decode failed: %q err=%v", decoded, err)
	}
	if _, err := base64Decode([]byte("!!!")); err == nil {
		t.Error("malformed base64 must error")
	}
}
