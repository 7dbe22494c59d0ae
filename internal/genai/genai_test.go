package genai

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/openai/openai-go"
)

func TestNewClientRequiresKey(t *testing.T) {
	old := os.Getenv("OPENAI_API_KEY")
	os.Unsetenv("OPENAI_API_KEY")
	defer os.Setenv("OPENAI_API_KEY", old)

	if _, err := NewClient(); err == nil {
		t.Error("expected error when no API key is available")
	}
}

func TestNewClientDefaults(t *testing.T) {
	c, err := NewClient(WithAPIKey("test-key"))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.model != DefaultModel {
		t.Errorf("model = %s, want default", c.model)
	}
	if c.timeout != DefaultTimeout {
		t.Errorf("timeout = %s, want default", c.timeout)
	}
}

func TestNewClientOptions(t *testing.T) {
	c, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-4o"), WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.model != "gpt-4o" {
		t.Errorf("model = %s, want gpt-4o", c.model)
	}
	if c.timeout != 5*time.Second {
		t.Errorf("timeout = %s, want 5s", c.timeout)
	}
}

func TestIsRateLimited(t *testing.T) {
	wrapped := fmt.Errorf("chat completion failed: %w", &openai.Error{StatusCode: 429})
	if !IsRateLimited(wrapped) {
		t.Error("wrapped 429 API error should be rate limited")
	}
	if IsRateLimited(&openai.Error{StatusCode: 500}) {
		t.Error("500 API error is not rate limited")
	}
	if IsRateLimited(errors.New("other")) {
		t.Error("arbitrary errors are not rate limited")
	}
}

func TestIsTimeout(t *testing.T) {
	if !IsTimeout(context.DeadlineExceeded) {
		t.Error("deadline exceeded should be a timeout")
	}
	if IsTimeout(errors.New("other")) {
		t.Error("arbitrary errors are not timeouts")
	}
}
