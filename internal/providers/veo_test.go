package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/framecredit/backend/internal/models"
)

func testSchemas(t *testing.T) *SchemaSet {
	t.Helper()
	s, err := DefaultSchemas()
	if err != nil {
		t.Fatalf("DefaultSchemas: %v", err)
	}
	return s
}

type submissions struct {
	mu     sync.Mutex
	bodies []veoGenerateBody
}

func (s *submissions) first() veoGenerateBody {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bodies[0]
}

func newVeoServer(t *testing.T, status func(w http.ResponseWriter, r *http.Request)) (*Veo, *submissions) {
	t.Helper()
	submitted := &submissions{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/veo/generate", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"code":401,"msg":"bad key"}`))
			return
		}
		var body veoGenerateBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode submit body: %v", err)
		}
		submitted.mu.Lock()
		submitted.bodies = append(submitted.bodies, body)
		submitted.mu.Unlock()
		if body.Prompt == "forbidden" {
			w.Write([]byte(`{"code":400,"msg":"prompt violates content policy"}`))
			return
		}
		w.Write([]byte(`{"code":200,"msg":"success","data":{"taskId":"veo-123"}}`))
	})
	if status != nil {
		mux.HandleFunc("GET /api/v1/veo/record-info", status)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	v := NewVeo(VeoConfig{ClientConfig: ClientConfig{BaseURL: srv.URL, APIKey: "test-key"}}, testSchemas(t))
	return v, submitted
}

func TestVeoSubmit(t *testing.T) {
	v, submitted := newVeoServer(t, nil)

	id, err := v.Submit(context.Background(), Request{
		Mode:     models.ModeImageToVideo,
		Prompt:   "waves at dusk",
		ImageURL: "https://img.example.com/a.png",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "veo-123" {
		t.Errorf("task id: got %q, want veo-123", id)
	}
	got := submitted.first()
	if got.Model != defaultVeoModel || got.AspectRatio != "16:9" {
		t.Errorf("defaults not applied: %+v", got)
	}
	if len(got.ImageURLs) != 1 || got.ImageURLs[0] != "https://img.example.com/a.png" {
		t.Errorf("imageUrls: got %v", got.ImageURLs)
	}
}

func TestVeoSubmitRejected(t *testing.T) {
	v, _ := newVeoServer(t, nil)

	_, err := v.Submit(context.Background(), Request{Mode: models.ModeTextToVideo, Prompt: "forbidden"})
	if !errors.Is(err, ErrProviderRejected) {
		t.Fatalf("expected ErrProviderRejected, got %v", err)
	}
	var rej *RejectedError
	if !errors.As(err, &rej) || rej.Provider != VeoName {
		t.Fatalf("expected *RejectedError from veo, got %T", err)
	}
	if rej.Reason == "" {
		t.Error("rejection should carry the provider message")
	}
}

func TestVeoValidate(t *testing.T) {
	v := NewVeo(VeoConfig{}, nil)
	cases := []struct {
		name string
		req  Request
		ok   bool
	}{
		{"text ok", Request{Mode: models.ModeTextToVideo, Prompt: "p"}, true},
		{"auto aspect", Request{Mode: models.ModeTextToVideo, Prompt: "p", AspectRatio: "Auto"}, true},
		{"empty prompt", Request{Mode: models.ModeTextToVideo}, false},
		{"image mode without image", Request{Mode: models.ModeImageToVideo, Prompt: "p"}, false},
		{"bad aspect", Request{Mode: models.ModeTextToVideo, Prompt: "p", AspectRatio: "4:3"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Validate(tc.req)
			if tc.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrProviderRejected) {
				t.Fatalf("expected rejection, got %v", err)
			}
		})
	}
}

func TestVeoFetchStatus(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		code    int
		want    Status
		transit bool
	}{
		{
			name: "processing",
			body: `{"code":200,"msg":"success","data":{"taskId":"veo-123","successFlag":0}}`,
			want: Status{State: StateRunning},
		},
		{
			name: "success with result urls array",
			body: `{"code":200,"data":{"taskId":"veo-123","successFlag":1,"response":{"resultUrls":["https://cdn.example.com/r.mp4"],"originUrls":["https://cdn.example.com/o.mp4"]}}}`,
			want: Status{State: StateSucceeded, ResultURL: "https://cdn.example.com/r.mp4"},
		},
		{
			name: "success with json-encoded string",
			body: `{"code":200,"data":{"taskId":"veo-123","successFlag":1,"response":{"resultUrls":"[\"https://cdn.example.com/s.mp4\"]"}}}`,
			want: Status{State: StateSucceeded, ResultURL: "https://cdn.example.com/s.mp4"},
		},
		{
			name: "falls back to origin urls",
			body: `{"code":200,"data":{"taskId":"veo-123","successFlag":1,"response":{"resultUrls":[],"originUrls":["https://cdn.example.com/o.mp4"]}}}`,
			want: Status{State: StateSucceeded, ResultURL: "https://cdn.example.com/o.mp4"},
		},
		{
			name: "success without url",
			body: `{"code":200,"data":{"taskId":"veo-123","successFlag":1,"response":null}}`,
			want: Status{State: StateSucceeded},
		},
		{
			name: "content failure",
			body: `{"code":200,"data":{"taskId":"veo-123","successFlag":2,"errorMessage":"nsfw content"}}`,
			want: Status{State: StateFailed, FailureReason: "nsfw content"},
		},
		{
			name: "generation failure default reason",
			body: `{"code":200,"data":{"taskId":"veo-123","successFlag":3}}`,
			want: Status{State: StateFailed, FailureReason: "generation failed"},
		},
		{
			name:    "unknown flag is transient",
			body:    `{"code":200,"data":{"taskId":"veo-123","successFlag":7}}`,
			transit: true,
		},
		{
			name:    "malformed json",
			body:    `{"code":200,"data":`,
			transit: true,
		},
		{
			name:    "server error",
			body:    `oops`,
			code:    http.StatusBadGateway,
			transit: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, _ := newVeoServer(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Query().Get("taskId") != "veo-123" {
					t.Errorf("taskId query: got %q", r.URL.Query().Get("taskId"))
				}
				if tc.code != 0 {
					w.WriteHeader(tc.code)
				}
				w.Write([]byte(tc.body))
			})
			got, err := v.FetchStatus(context.Background(), "veo-123")
			if tc.transit {
				if !errors.Is(err, ErrTransientFetch) {
					t.Fatalf("expected ErrTransientFetch, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("FetchStatus: %v", err)
			}
			if got != tc.want {
				t.Errorf("status: got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestVeoFetchStatusUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	v := NewVeo(VeoConfig{ClientConfig: ClientConfig{BaseURL: srv.URL}}, testSchemas(t))
	if _, err := v.FetchStatus(context.Background(), "x"); !errors.Is(err, ErrTransientFetch) {
		t.Fatalf("expected ErrTransientFetch, got %v", err)
	}
}
