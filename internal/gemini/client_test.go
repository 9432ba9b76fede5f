package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// newTestClient points a client at a test server.
func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient("test-key", "gemini-1.5-flash", nil)
	if err != nil {
		t.Fatal(err)
	}
	c.baseURL = srv.URL
	return c
}

// respondWith wraps model text in the generateContent response envelope.
func respondWith(t *testing.T, w http.ResponseWriter, text string) {
	t.Helper()
	resp := map[string]any{
		"candidates": []map[string]any{{
			"content":      map[string]any{"parts": []map[string]any{{"text": text}}},
			"finishReason": "STOP",
		}},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		t.Fatal(err)
	}
}

func TestNewClient_RequiresKey(t *testing.T) {
	if _, err := NewClient("", "", nil); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func TestGenerateInsights_ParsesStructuredReply(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-1.5-flash:generateContent" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("x-goog-api-key"); got != "test-key" {
			t.Errorf("api key header = %q", got)
		}
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.GenerationConfig.ResponseMIMEType != "application/json" {
			t.Errorf("responseMimeType = %q", req.GenerationConfig.ResponseMIMEType)
		}
		if req.GenerationConfig.ResponseSchema == nil {
			t.Error("response schema missing")
		}
		if len(req.SafetySettings) != 4 {
			t.Errorf("safety settings = %d, want 4", len(req.SafetySettings))
		}

		respondWith(t, w, `{"insights":"Temperature is stable.","alerts":"None.","to_execute":[{"domain":"light","service":"turn_off","service_data":"{\"entity_id\":\"light.porch\"}","confidence":0.92}]}`)
	})

	got, err := c.GenerateInsights(context.Background(), "analyze this")
	if err != nil {
		t.Fatal(err)
	}
	if got.Insights != "Temperature is stable." {
		t.Errorf("insights = %q", got.Insights)
	}
	if got.Alerts != "None." {
		t.Errorf("alerts = %q", got.Alerts)
	}
	if len(got.Proposed) != 1 {
		t.Fatalf("proposed = %d, want 1", len(got.Proposed))
	}
	a := got.Proposed[0]
	if a.Domain != "light" || a.Service != "turn_off" || a.Confidence != 0.92 {
		t.Errorf("action = %+v", a)
	}
	if got.Raw == "" {
		t.Error("raw response not preserved")
	}
}

func TestGenerateInsights_NoActions(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		respondWith(t, w, `{"insights":"Quiet day.","alerts":""}`)
	})

	got, err := c.GenerateInsights(context.Background(), "p")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Proposed) != 0 {
		t.Errorf("proposed = %+v", got.Proposed)
	}
}

func TestGenerateInsights_MalformedJSON(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		respondWith(t, w, "I decided to reply in prose instead.")
	})

	if _, err := c.GenerateInsights(context.Background(), "p"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestGenerateInsights_BlockedPrompt(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"promptFeedback": map[string]any{"blockReason": "SAFETY"},
		}
		json.NewEncoder(w).Encode(resp)
	})

	_, err := c.GenerateInsights(context.Background(), "p")
	if err == nil {
		t.Fatal("expected error for blocked prompt")
	}
}

func TestValidate_Unauthorized(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden} {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":{"status":"API_KEY_INVALID"}}`, status)
		})

		err := c.Validate(context.Background())
		if !errors.Is(err, ErrUnauthorized) {
			t.Errorf("status %d: err = %v, want ErrUnauthorized", status, err)
		}
	}
}

func TestValidate_TransientError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream sad", http.StatusServiceUnavailable)
	})

	err := c.Validate(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrUnauthorized) {
		t.Error("503 must not map to ErrUnauthorized")
	}
}

func TestValidate_OK(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		respondWith(t, w, "pong")
	})

	if err := c.Validate(context.Background()); err != nil {
		t.Fatal(err)
	}
}
