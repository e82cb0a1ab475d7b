package gemini_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"loom/internal/services"
	"loom/internal/services/gemini"
)

func newClient(t *testing.T, handler http.HandlerFunc) *gemini.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := gemini.NewClient(context.Background(), gemini.Config{
		APIKey:  "test",
		BaseURL: server.URL,
		Model:   "gemini-2.5-flash",
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestGenerateReturnsCandidateText(t *testing.T) {
	var path string
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []any{map[string]any{
				"content": map[string]any{
					"role":  "model",
					"parts": []any{map[string]any{"text": "Gradient descent walks downhill."}},
				},
			}},
		})
	})

	out, err := client.Generate(context.Background(), "gemini-2.0-flash", "Teach clearly.", "Explain gradient descent")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != "Gradient descent walks downhill." {
		t.Fatalf("unexpected output %q", out)
	}
	if !strings.Contains(path, "gemini-2.0-flash") {
		t.Fatalf("expected model override in path, got %q", path)
	}
}

func TestGenerateErrorKinds(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{http.StatusTooManyRequests, services.KindTransient},
		{http.StatusServiceUnavailable, services.KindTransient},
		{http.StatusForbidden, services.KindConfiguration},
		{http.StatusBadRequest, services.KindFatal},
	}
	for _, tc := range tests {
		client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(tc.status)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"code": tc.status, "message": "nope", "status": "ERROR"},
			})
		})
		_, err := client.Generate(context.Background(), "", "", "hello")
		if kind := services.Kind(err); kind != tc.want {
			t.Fatalf("status %d: expected %q, got %q (%v)", tc.status, tc.want, kind, err)
		}
	}
}

func TestGenerateEmptyResponseIsTransient(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	})
	_, err := client.Generate(context.Background(), "", "", "hello")
	if kind := services.Kind(err); kind != services.KindTransient {
		t.Fatalf("expected transient, got %q (%v)", kind, err)
	}
}

func TestNewClientRequiresKey(t *testing.T) {
	_, err := gemini.NewClient(context.Background(), gemini.Config{})
	if kind := services.Kind(err); kind != services.KindConfiguration {
		t.Fatalf("expected configuration error, got %q (%v)", kind, err)
	}
}
