package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"sorelay/internal/domain"
	"sorelay/internal/eventbus"
	"sorelay/internal/hub"
	"sorelay/internal/poller"
	"sorelay/internal/stackoverflow"
	"sorelay/internal/storage"
	"sorelay/pkg/logx"
)

type env struct {
	server *Server
	store  storage.Store
	hub    *hub.Hub
	poller *poller.Poller
}

// newEnv wires a server against a fake Stack Exchange API.
func newEnv(t *testing.T, api http.HandlerFunc) *env {
	t.Helper()
	if api == nil {
		api = func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"items":[]}`))
		}
	}
	apiSrv := httptest.NewServer(api)
	t.Cleanup(apiSrv.Close)

	client := stackoverflow.New(stackoverflow.Config{
		ClientID:      "cid",
		ClientSecret:  "secret",
		BaseURL:       apiSrv.URL,
		OAuthTokenURL: apiSrv.URL + "/oauth/access_token/json",
		RatePerSec:    1000,
	}, logx.Nop())

	store, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "t.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	h := hub.New(16, logx.Nop())
	t.Cleanup(h.Close)

	p := poller.New(poller.Options{}, client, store, h, eventbus.New(), logx.Nop())

	s := New(Options{Listen: ":0", PublicURL: "https://relay.example/"},
		client, store, p, h, logx.Nop())
	return &env{server: s, store: store, hub: h, poller: p}
}

func (e *env) request(t *testing.T, method, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	e.server.router().ServeHTTP(rec, req)
	return rec
}

func TestPing(t *testing.T) {
	e := newEnv(t, nil)
	rec := e.request(t, http.MethodGet, "/ping", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "pong" {
		t.Fatalf("ping: %d %q", rec.Code, rec.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	e := newEnv(t, nil)
	e.poller.Track(domain.Registration{AccountID: 5, AccessToken: "tok"})

	rec := e.request(t, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	var out struct {
		Status   string                 `json:"status"`
		Accounts []poller.AccountStatus `json:"accounts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Status != "ok" || len(out.Accounts) != 1 || out.Accounts[0].AccountID != 5 {
		t.Fatalf("unexpected health: %+v", out)
	}
}

func TestRegisterRedirect(t *testing.T) {
	e := newEnv(t, nil)
	rec := e.request(t, http.MethodGet, "/register", "")
	if rec.Code != http.StatusFound {
		t.Fatalf("register: %d", rec.Code)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("bad location: %v", err)
	}
	q := loc.Query()
	if q.Get("client_id") != "cid" {
		t.Fatalf("client_id = %q", q.Get("client_id"))
	}
	if q.Get("redirect_uri") != "https://relay.example/oauth/callback" {
		t.Fatalf("redirect_uri = %q", q.Get("redirect_uri"))
	}
	if !e.server.consumeState(q.Get("state")) {
		t.Fatal("issued state not consumable")
	}
}

func TestOAuthCallbackRegistersAccount(t *testing.T) {
	e := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/oauth/access_token"):
			w.Write([]byte(`{"access_token":"granted"}`))
		case r.URL.Path == "/me":
			w.Write([]byte(`{"items":[{"account_id":42,"user_id":7}]}`))
		default:
			w.Write([]byte(`{"items":[]}`))
		}
	})

	state, err := e.server.newState()
	if err != nil {
		t.Fatalf("new state: %v", err)
	}
	rec := e.request(t, http.MethodGet, "/oauth/callback?code=abc&state="+state, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("callback: %d %s", rec.Code, rec.Body.String())
	}

	regs, err := e.store.Registrations(context.Background())
	if err != nil || len(regs) != 1 {
		t.Fatalf("registrations: %v %+v", err, regs)
	}
	if regs[0].AccountID != 42 || regs[0].AccessToken != "granted" {
		t.Fatalf("unexpected registration: %+v", regs[0])
	}

	found := false
	for _, st := range e.poller.Snapshot() {
		if st.AccountID == 42 {
			found = true
		}
	}
	if !found {
		t.Fatal("account not tracked by the poller after callback")
	}

	// A state is single use.
	rec = e.request(t, http.MethodGet, "/oauth/callback?code=abc&state="+state, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("reused state accepted: %d", rec.Code)
	}
}

func TestOAuthCallbackRejections(t *testing.T) {
	e := newEnv(t, nil)

	if rec := e.request(t, http.MethodGet, "/oauth/callback?error=access_denied", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("provider error: %d", rec.Code)
	}
	if rec := e.request(t, http.MethodGet, "/oauth/callback?code=x&state=bogus", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bogus state: %d", rec.Code)
	}
	state, _ := e.server.newState()
	if rec := e.request(t, http.MethodGet, "/oauth/callback?state="+state, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing code: %d", rec.Code)
	}
}

func TestNotificationsResync(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	for _, txt := range []string{"a", "b", "c"} {
		if _, _, err := e.store.InsertIfNew(ctx, 9, txt); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	rec := e.request(t, http.MethodGet, "/accounts/9/notifications?limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("resync: %d", rec.Code)
	}
	var out struct {
		Notifications []domain.Notification `json:"notifications"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Notifications) != 2 || out.Notifications[0].Text != "c" {
		t.Fatalf("unexpected resync payload: %+v", out.Notifications)
	}

	if rec := e.request(t, http.MethodGet, "/accounts/nope/notifications", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id: %d", rec.Code)
	}
	if rec := e.request(t, http.MethodGet, "/accounts/9/notifications?limit=-1", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: %d", rec.Code)
	}
}

func TestPushTargetEndpoint(t *testing.T) {
	e := newEnv(t, nil)

	rec := e.request(t, http.MethodPost, "/accounts/3/push-target",
		`{"channel":"pushover","target":"user-key"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("set push target: %d %s", rec.Code, rec.Body.String())
	}
	got, ok, err := e.store.PushTarget(context.Background(), 3)
	if err != nil || !ok {
		t.Fatalf("target not stored: ok=%v err=%v", ok, err)
	}
	if got.Channel != domain.ChannelPushover || got.Target != "user-key" {
		t.Fatalf("unexpected target: %+v", got)
	}

	if rec := e.request(t, http.MethodPost, "/accounts/3/push-target",
		`{"channel":"smoke-signals","target":"hill"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown channel: %d", rec.Code)
	}
	if rec := e.request(t, http.MethodPost, "/accounts/3/push-target",
		`{"channel":"pushover"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing target: %d", rec.Code)
	}
}

func TestStreamDeliversNotifications(t *testing.T) {
	e := newEnv(t, nil)
	srv := httptest.NewServer(e.server.router())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/accounts/8/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The subscription exists once the handler upgraded; wait for it.
	deadline := time.Now().Add(2 * time.Second)
	for e.hub.Subscribers(8) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	e.hub.Publish(domain.Notification{ID: 1, AccountID: 8, Text: "hello", CreatedAt: time.Now()})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame struct {
		Type         string               `json:"type"`
		Notification *domain.Notification `json:"notification"`
	}
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if frame.Type != "notification" || frame.Notification == nil || frame.Notification.Text != "hello" {
		t.Fatalf("unexpected frame: %+v", frame)
	}
}
