package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"genjobs/internal/adapter/repo"
	"genjobs/internal/infra/credentials"
	"genjobs/internal/providers/motion"
)

// reply is one scripted provider answer. status 0 drops the connection and
// status -1 hangs until the client goes away.
type reply struct {
	status int
	body   string
}

type fakeProvider struct {
	mu sync.Mutex

	logins  int
	submits int
	polls   int

	tokenSeq    int
	validToken  string
	loginStatus int
	// rejectAll answers 401 to every job call regardless of token.
	rejectAll bool

	submitReplies []reply
	statusReplies []reply

	idempotencyKeys []string
	submitBodies    []map[string]any
}

func (f *fakeProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/auth/login":
		f.mu.Lock()
		f.logins++
		status := f.loginStatus
		if status == 0 {
			f.tokenSeq++
			f.validToken = fmt.Sprintf("tok-%d", f.tokenSeq)
		}
		token := f.validToken
		f.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"message":"invalid credentials"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"token": token, "user": map[string]any{"id": "svc"}, "expires_in": 3600})
	case r.Method == http.MethodPost && r.URL.Path == "/jobs":
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.submits++
		f.submitBodies = append(f.submitBodies, body)
		f.idempotencyKeys = append(f.idempotencyKeys, r.Header.Get("Idempotency-Key"))
		authorized := f.authorized(r)
		var next reply
		if authorized {
			next = pop(&f.submitReplies, reply{status: http.StatusAccepted, body: `{"externalId":"ext-1"}`})
		}
		f.mu.Unlock()
		f.respond(w, r, authorized, next)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/jobs/"):
		f.mu.Lock()
		f.polls++
		authorized := f.authorized(r)
		var next reply
		if authorized {
			next = pop(&f.statusReplies, reply{status: http.StatusOK, body: `{"status":"running"}`})
		}
		f.mu.Unlock()
		f.respond(w, r, authorized, next)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeProvider) authorized(r *http.Request) bool {
	return !f.rejectAll && f.validToken != "" && r.Header.Get("Authorization") == "Bearer "+f.validToken
}

func (f *fakeProvider) respond(w http.ResponseWriter, r *http.Request, authorized bool, next reply) {
	if !authorized {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	switch next.status {
	case 0:
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				_ = conn.Close()
				return
			}
		}
		w.WriteHeader(http.StatusBadGateway)
	case -1:
		<-r.Context().Done()
	default:
		w.WriteHeader(next.status)
		_, _ = w.Write([]byte(next.body))
	}
}

// pop keeps the final scripted reply so later calls repeat it.
func pop(queue *[]reply, fallback reply) reply {
	if len(*queue) == 0 {
		return fallback
	}
	next := (*queue)[0]
	if len(*queue) > 1 {
		*queue = (*queue)[1:]
	}
	return next
}

// revokeTokens makes the provider reject the token it last issued.
func (f *fakeProvider) revokeTokens() {
	f.mu.Lock()
	f.validToken = ""
	f.mu.Unlock()
}

func (f *fakeProvider) script(submit, status []reply) {
	f.mu.Lock()
	f.submitReplies = submit
	f.statusReplies = status
	f.mu.Unlock()
}

func (f *fakeProvider) counts() (logins, submits, polls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins, f.submits, f.polls
}

type fixture struct {
	provider  *fakeProvider
	repo      *repo.JobRepositoryMemory
	creds     *credentials.Manager
	submitter *Submitter
	poller    *Poller
}

func newFixture(t *testing.T, configure ...func(*SubmitterOptions)) *fixture {
	t.Helper()
	provider := &fakeProvider{}
	srv := httptest.NewServer(provider)
	t.Cleanup(srv.Close)

	client, err := motion.NewClient(motion.Options{
		BaseURL:       srv.URL,
		HTTPClient:    srv.Client(),
		SubmitTimeout: 2 * time.Second,
		PollTimeout:   2 * time.Second,
	})
	if err != nil {
		t.Fatalf("motion client: %v", err)
	}
	creds, err := credentials.NewManager(credentials.ManagerOptions{
		Authenticator: client,
		Email:         "svc@example.com",
		Password:      "pw",
		TTL:           time.Hour,
		Skew:          30 * time.Second,
	})
	if err != nil {
		t.Fatalf("credentials manager: %v", err)
	}
	jobs := repo.NewMemoryJobRepository()

	opts := SubmitterOptions{
		Repo:           jobs,
		Provider:       client,
		Credentials:    creds,
		MaxRetries:     1,
		BackoffInitial: time.Millisecond,
	}
	for _, fn := range configure {
		fn(&opts)
	}
	submitter, err := NewSubmitter(opts)
	if err != nil {
		t.Fatalf("submitter: %v", err)
	}
	poller, err := NewPoller(PollerOptions{Repo: jobs, Provider: client, Credentials: creds})
	if err != nil {
		t.Fatalf("poller: %v", err)
	}
	return &fixture{provider: provider, repo: jobs, creds: creds, submitter: submitter, poller: poller}
}

func (f *fixture) countJobs(t *testing.T) int {
	t.Helper()
	jobs, err := f.repo.ListActive(context.Background(), time.Now().Add(time.Hour), 1000)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	return len(jobs)
}
