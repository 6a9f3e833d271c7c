package perplexity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"dossier/pkg/pipeline"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)
	c, err := New(server.URL+"/", "test-key", "sonar-pro", WithHTTPClient(server.Client()))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestCall_Findings(t *testing.T) {
	var got completionRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Error(err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices":   []map[string]any{{"message": map[string]string{"role": "assistant", "content": " Kickoff is 17:30. "}}},
			"citations": []string{"https://a.example", "https://b.example", "https://a.example"},
		})
	})

	resp, err := c.Call(context.Background(), pipeline.Request{
		Persona: "You are a researcher.",
		Queries: []string{"Arsenal vs Chelsea kickoff"},
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	want := []pipeline.Finding{{
		Query:   "Arsenal vs Chelsea kickoff",
		Text:    "Kickoff is 17:30.",
		Sources: []string{"https://a.example", "https://b.example"},
	}}
	if diff := cmp.Diff(want, resp.Findings); diff != "" {
		t.Errorf("findings mismatch (-want +got):\n%s", diff)
	}
	wantReq := completionRequest{Model: "sonar-pro", Messages: []message{
		{Role: "system", Content: "You are a researcher."},
		{Role: "user", Content: "Arsenal vs Chelsea kickoff"},
	}}
	if diff := cmp.Diff(wantReq, got); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}
}

func TestCall_SearchResultsFallback(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices":        []map[string]any{{"message": map[string]string{"content": "answer"}}},
			"search_results": []map[string]string{{"title": "t", "url": "https://c.example"}},
		})
	})
	resp, err := c.Call(context.Background(), pipeline.Request{Queries: []string{"q"}})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"https://c.example"}, resp.Findings[0].Sources); diff != "" {
		t.Errorf("sources mismatch (-want +got):\n%s", diff)
	}
}

func TestCall_PartialBatch(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req completionRequest
		json.NewDecoder(r.Body).Decode(&req)
		if strings.Contains(req.Messages[len(req.Messages)-1].Content, "bad") {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"message": "invalid query"}})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": "ok"}}},
		})
	})

	resp, err := c.Call(context.Background(), pipeline.Request{Queries: []string{"good one", "bad one", "good two"}})
	if err != nil {
		t.Fatalf("partial batch should succeed: %v", err)
	}
	if len(resp.Findings) != 2 || resp.Findings[1].Query != "good two" {
		t.Errorf("findings = %+v", resp.Findings)
	}

	_, err = c.Call(context.Background(), pipeline.Request{Queries: []string{"bad only"}})
	if !errors.Is(err, pipeline.ErrMalformedRequest) || !HasStatusCode(err, 400) {
		t.Errorf("err = %v", err)
	}
	if !strings.Contains(err.Error(), "invalid query") {
		t.Errorf("message not surfaced: %v", err)
	}
}

func TestCall_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		want      error
		transient bool
	}{
		{http.StatusTooManyRequests, pipeline.ErrRateLimited, true},
		{http.StatusBadGateway, pipeline.ErrUnavailable, true},
		{http.StatusUnauthorized, pipeline.ErrAuth, false},
		{http.StatusPaymentRequired, pipeline.ErrQuota, false},
		{http.StatusUnprocessableEntity, pipeline.ErrMalformedRequest, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			_, err := c.Call(context.Background(), pipeline.Request{Queries: []string{"q"}})
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			kind := pipeline.KindOf(err)
			if (kind == pipeline.KindTransientCall) != tt.transient {
				t.Errorf("kind = %s, transient want %v", kind, tt.transient)
			}
		})
	}
}

func TestCall_EmptyCompletionIsMalformed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices": []}`))
	})
	_, err := c.Call(context.Background(), pipeline.Request{Queries: []string{"q"}})
	if !errors.Is(err, pipeline.ErrMalformedResponse) {
		t.Errorf("err = %v", err)
	}
}

func TestCall_RateLimiterHonoursContext(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"choices": [{"message": {"content": "ok"}}]}`))
	}))
	defer server.Close()
	c, err := New(server.URL, "k", "sonar", WithHTTPClient(server.Client()), WithRateLimit(0.001, 1))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Call(context.Background(), pipeline.Request{Queries: []string{"first"}}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Call(ctx, pipeline.Request{Queries: []string{"second"}}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if hits.Load() != 1 {
		t.Errorf("server hits = %d, want 1", hits.Load())
	}
}

func TestCall_ThrottledPastDeadlineIsRateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices": [{"message": {"content": "ok"}}]}`))
	}))
	defer server.Close()
	c, err := New(server.URL, "k", "sonar", WithHTTPClient(server.Client()), WithRateLimit(0.001, 1))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Call(context.Background(), pipeline.Request{Queries: []string{"first"}}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = c.Call(ctx, pipeline.Request{Queries: []string{"second"}})
	if !errors.Is(err, pipeline.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	if ctx.Err() != nil {
		t.Error("the limiter should refuse at once instead of waiting out the deadline")
	}
}

func TestCall_RequestModelOverridesDefault(t *testing.T) {
	var got completionRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"choices": [{"message": {"content": "ok"}}]}`))
	})
	if _, err := c.Call(context.Background(), pipeline.Request{Model: "sonar-reasoning", Queries: []string{"q"}}); err != nil {
		t.Fatal(err)
	}
	if got.Model != "sonar-reasoning" {
		t.Errorf("model = %q, want sonar-reasoning", got.Model)
	}
}

func TestNew_Validates(t *testing.T) {
	if _, err := New("", "k", "m"); err == nil {
		t.Error("empty baseURL accepted")
	}
	if _, err := New("http://x", "k", ""); err == nil {
		t.Error("empty model accepted")
	}
	if _, err := New("http://x", "k", "m", WithRateLimit(-1, 1)); err == nil {
		t.Error("negative rate accepted")
	}
}
