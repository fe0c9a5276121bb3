package httputil

import (
	"net/http"
	"testing"
	"time"
)

func TestDefaultClientTimeout(t *testing.T) {
	c := DefaultClient()
	if c.Timeout != 30*time.Second {
		t.Errorf("timeout = %v, want 30s", c.Timeout)
	}
}

func TestStreamingClientHasNoOverallTimeout(t *testing.T) {
	c := StreamingClient()
	if c.Timeout != 0 {
		t.Errorf("timeout = %v, want 0 so long streams are bounded by context only", c.Timeout)
	}

	// The per-phase transport deadlines still apply.
	transport, ok := c.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("transport = %T, want *http.Transport", c.Transport)
	}
	if transport.ResponseHeaderTimeout != 25*time.Second {
		t.Errorf("response header timeout = %v, want 25s", transport.ResponseHeaderTimeout)
	}
}
