package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"municipal-api/internal/core"
	"municipal-api/internal/session"
)

type fakeUsers struct {
	mu       sync.Mutex
	users    map[string]User
	findErr  error
	loginErr error
	logins   []int64
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{users: make(map[string]User)}
}

func (f *fakeUsers) add(t *testing.T, id int64, email, password string, active bool) User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	u := User{
		ID:           id,
		Email:        email,
		Name:         "User " + email,
		AccessLevel:  "staff",
		Active:       active,
		PasswordHash: string(hash),
	}
	f.mu.Lock()
	f.users[strings.ToLower(email)] = u
	f.mu.Unlock()
	return u
}

func (f *fakeUsers) FindByEmail(_ context.Context, email string) (User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return User{}, f.findErr
	}
	u, ok := f.users[strings.ToLower(email)]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

func (f *fakeUsers) FindByID(_ context.Context, id int64) (User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return User{}, f.findErr
	}
	for _, u := range f.users {
		if u.ID == id {
			return u, nil
		}
	}
	return User{}, ErrUserNotFound
}

func (f *fakeUsers) RecordLogin(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loginErr != nil {
		return f.loginErr
	}
	f.logins = append(f.logins, id)
	return nil
}

type fakeHealth struct {
	mu       sync.Mutex
	snap     core.Snapshot
	probeErr error
	probes   int
}

func (f *fakeHealth) HealthSnapshot() core.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeHealth) Probe(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	return f.probeErr
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	srv      *Server
	users    *fakeUsers
	health   *fakeHealth
	sessions *session.Store
	clock    *testClock
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	clock := newTestClock()
	env := &testEnv{
		users: newFakeUsers(),
		health: &fakeHealth{snap: core.Snapshot{
			Initialized: true,
			State:       "ready",
			Min:         2,
			Max:         10,
		}},
		sessions: session.NewStore(time.Hour, session.WithClock(clock.Now)),
		clock:    clock,
	}
	cfg := Config{
		Addr:     "127.0.0.1:0",
		Version:  "test",
		Sessions: env.sessions,
		Users:    env.users,
		Health:   env.health,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	env.srv = New(cfg)
	env.srv.lockout.now = clock.Now
	env.srv.limiter.now = clock.Now
	return env
}

func (e *testEnv) do(method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) login(email, password string) *httptest.ResponseRecorder {
	return e.do(http.MethodPost, "/auth/login", `{"email":"`+email+`","password":"`+password+`"}`, nil)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}
