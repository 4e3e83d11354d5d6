package motion

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"genjobs/internal/domain"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(Options{BaseURL: srv.URL + "/", HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestLoginExpiresIn(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/auth/login" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body loginRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode login body: %v", err)
		}
		if body.Email != "svc@example.com" || body.Password != "pw" {
			t.Errorf("unexpected credentials %+v", body)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"token":      "tok-1",
			"user":       map[string]any{"id": "svc-user"},
			"expires_in": 600,
		})
	})
	before := time.Now()
	session, err := client.Login(context.Background(), "svc@example.com", "pw")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if session.Token != "tok-1" || session.UserID != "svc-user" {
		t.Fatalf("unexpected session %+v", session)
	}
	if session.ExpiresAt.Before(before.Add(599*time.Second)) || session.ExpiresAt.After(time.Now().Add(600*time.Second)) {
		t.Fatalf("expires_at = %v", session.ExpiresAt)
	}
}

func TestLoginFallsBackToJWTExp(t *testing.T) {
	exp := time.Now().Add(time.Hour).Unix()
	payload := base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf(`{"exp":%d}`, exp)))
	token := "eyJhbGciOiJIUzI1NiJ9." + payload + ".sig"
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"token": token, "user": map[string]any{"id": "u"}})
	})
	session, err := client.Login(context.Background(), "svc@example.com", "pw")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if session.ExpiresAt.Unix() != exp {
		t.Fatalf("expires_at = %d, want %d", session.ExpiresAt.Unix(), exp)
	}
}

func TestLoginRejected(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"bad credentials","code":"auth_failed"}`))
	})
	_, err := client.Login(context.Background(), "svc@example.com", "pw")
	var serr *StatusError
	if !errors.As(err, &serr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if serr.StatusCode != http.StatusForbidden || serr.Message != "bad credentials" || serr.Code != "auth_failed" {
		t.Fatalf("unexpected status error %+v", serr)
	}
	if serr.Temporary() {
		t.Fatal("403 must not be temporary")
	}
}

func TestSubmitPayloadAndHeaders(t *testing.T) {
	intensity := 0.7
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/jobs" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("authorization = %q", got)
		}
		if got := r.Header.Get("Idempotency-Key"); got != "job-1" {
			t.Errorf("idempotency key = %q", got)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode submit body: %v", err)
		}
		if body["sourceReference"] != "https://x/img.png" {
			t.Errorf("sourceReference = %v", body["sourceReference"])
		}
		params, _ := body["params"].(map[string]any)
		if params["motionIntensity"] != 0.7 {
			t.Errorf("motionIntensity = %v", params["motionIntensity"])
		}
		if _, ok := params["seed"]; ok {
			t.Errorf("unset seed must be omitted: %v", params)
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"externalId":"ext-1"}`))
	})
	id, err := client.Submit(context.Background(), "tok-1", SubmitRequest{
		SourceReference: "https://x/img.png",
		Params:          domain.GenerationParams{MotionIntensity: &intensity},
	}, "job-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id != "ext-1" {
		t.Fatalf("external id = %q", id)
	}
}

func TestSubmitErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrUnauthorized) {
					t.Fatalf("expected ErrUnauthorized, got %v", err)
				}
			},
		},
		{
			name:   "semantic rejection",
			status: http.StatusUnprocessableEntity,
			body:   `{"error":"unsupported image"}`,
			check: func(t *testing.T, err error) {
				var serr *StatusError
				if !errors.As(err, &serr) || serr.Temporary() || serr.Message != "unsupported image" {
					t.Fatalf("unexpected error %v", err)
				}
			},
		},
		{
			name:   "server error is temporary",
			status: http.StatusBadGateway,
			body:   "upstream down",
			check: func(t *testing.T, err error) {
				var serr *StatusError
				if !errors.As(err, &serr) || !serr.Temporary() {
					t.Fatalf("expected temporary status error, got %v", err)
				}
			},
		},
		{
			name:   "accepted without id",
			status: http.StatusOK,
			body:   `{}`,
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrMalformedResponse) {
					t.Fatalf("expected ErrMalformedResponse, got %v", err)
				}
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := client.Submit(context.Background(), "tok", SubmitRequest{SourceReference: "https://x/img.png"}, "")
			tc.check(t, err)
		})
	}
}

func TestSubmitTransportError(t *testing.T) {
	client, err := NewClient(Options{
		BaseURL: "https://provider.example.com",
		HTTPClient: &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			return nil, errors.New("connection reset")
		})},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.Submit(context.Background(), "tok", SubmitRequest{SourceReference: "https://x/img.png"}, "")
	var terr *TransportError
	if !errors.As(err, &terr) || terr.Op != "submit" {
		t.Fatalf("expected submit TransportError, got %v", err)
	}
}

func TestStatusDecoding(t *testing.T) {
	tests := []struct {
		name string
		body string
		want JobStatus
	}{
		{name: "running", body: `{"status":"running"}`, want: JobStatus{Status: "running"}},
		{name: "done with url", body: `{"status":"done","result":"https://x/out.mp4"}`, want: JobStatus{Status: "done", Result: "https://x/out.mp4"}},
		{name: "done with object", body: `{"status":"done","result":{"url":"https://x/out.mp4"}}`, want: JobStatus{Status: "done", Result: "https://x/out.mp4"}},
		{name: "error message", body: `{"status":"error","error":{"message":"nsfw"}}`, want: JobStatus{Status: "error", Error: "nsfw"}},
		{name: "numeric status", body: `{"status":3}`, want: JobStatus{Malformed: true}},
		{name: "not json", body: `<html>`, want: JobStatus{Malformed: true}},
		{name: "array", body: `[]`, want: JobStatus{Malformed: true}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/jobs/ext-1" || r.Method != http.MethodGet {
					t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
				}
				_, _ = w.Write([]byte(tc.body))
			})
			got, err := client.Status(context.Background(), "tok", "ext-1")
			if err != nil {
				t.Fatalf("status: %v", err)
			}
			if *got != tc.want {
				t.Fatalf("status = %+v, want %+v", *got, tc.want)
			}
		})
	}
}

func TestNewClientRequiresAbsoluteURL(t *testing.T) {
	if _, err := NewClient(Options{BaseURL: "provider.local"}); err == nil {
		t.Fatal("expected error for relative base url")
	}
}
