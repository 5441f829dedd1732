package stackoverflow

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"sorelay/pkg/logx"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:       srv.URL,
		OAuthTokenURL: srv.URL + "/oauth/access_token/json",
		RatePerSec:    1000,
	}, logx.Nop())
}

func TestUnreadNotificationsParsesItems(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/me/notifications/unread" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("site"); got != "stackoverflow" {
			t.Errorf("site = %q", got)
		}
		if got := r.URL.Query().Get("access_token"); got != "tok" {
			t.Errorf("access_token = %q", got)
		}
		w.Write([]byte(`{"items":[
			{"body":"one","creation_date":1,"is_unread":true,"notification_type":"comment","post_id":11},
			{"body":"two","creation_date":2,"is_unread":true,"notification_type":"answer","post_id":22}
		],"has_more":false,"quota_max":10000,"quota_remaining":9998}`))
	})

	items, err := c.UnreadNotifications(context.Background(), "tok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 2 || items[0].Body != "one" || items[1].PostID != 22 {
		t.Fatalf("unexpected items: %+v", items)
	}
}

func TestUnreadNotificationsHTTP429(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.UnreadNotifications(context.Background(), "tok")
	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if rl.RetryAfter != 30*time.Second {
		t.Fatalf("retry after = %s", rl.RetryAfter)
	}

	// The hold applies before the next request is even sent.
	_, err = c.UnreadNotifications(context.Background(), "tok")
	if !errors.As(err, &rl) {
		t.Fatalf("expected held token to stay rate limited, got %v", err)
	}
}

func TestUnreadNotificationsHTTP5xx(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.UnreadNotifications(context.Background(), "tok")
	var ua *UnavailableError
	if !errors.As(err, &ua) {
		t.Fatalf("expected UnavailableError, got %v", err)
	}
	if ua.Status != http.StatusBadGateway {
		t.Fatalf("status = %d", ua.Status)
	}
}

func TestUnreadNotificationsBadJSON(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"items": not json`))
	})

	_, err := c.UnreadNotifications(context.Background(), "tok")
	var mf *MalformedError
	if !errors.As(err, &mf) {
		t.Fatalf("expected MalformedError, got %v", err)
	}
}

func TestUnreadNotificationsInBandErrors(t *testing.T) {
	cases := []struct {
		name    string
		errorID int
		want    any
	}{
		{"throttle violation", 502, &RateLimitedError{}},
		{"internal error", 500, &UnavailableError{}},
		{"temporarily unavailable", 503, &UnavailableError{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"error_id":` + strconv.Itoa(tc.errorID) + `,"error_name":"x","error_message":"y"}`))
			})
			_, err := c.UnreadNotifications(context.Background(), "tok")
			switch tc.want.(type) {
			case *RateLimitedError:
				var e *RateLimitedError
				if !errors.As(err, &e) {
					t.Fatalf("expected RateLimitedError, got %v", err)
				}
			case *UnavailableError:
				var e *UnavailableError
				if !errors.As(err, &e) {
					t.Fatalf("expected UnavailableError, got %v", err)
				}
			}
		})
	}
}

func TestUnreadNotificationsUnknownAPIError(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error_id":403,"error_name":"access_denied","error_message":"revoked"}`))
	})

	_, err := c.UnreadNotifications(context.Background(), "tok")
	var ae *APIError
	if !errors.As(err, &ae) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if ae.ID != 403 || ae.Name != "access_denied" {
		t.Fatalf("unexpected api error: %+v", ae)
	}
}

func TestSuccessBackoffHoldsToken(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"items":[],"backoff":30,"has_more":false}`))
	})

	if _, err := c.UnreadNotifications(context.Background(), "tok"); err != nil {
		t.Fatalf("first call: %v", err)
	}
	// The honored backoff turns the next call into RateLimited without a
	// request hitting the wire.
	_, err := c.UnreadNotifications(context.Background(), "tok")
	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitedError during backoff, got %v", err)
	}

	// Other tokens are unaffected.
	if _, err := c.UnreadNotifications(context.Background(), "other"); err != nil {
		t.Fatalf("other token: %v", err)
	}
}

func TestExchangeCode(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.PostForm.Get("code"); got != "the-code" {
			t.Errorf("code = %q", got)
		}
		w.Write([]byte(`{"access_token":"granted","expires":0}`))
	})

	tok, err := c.ExchangeCode(context.Background(), "the-code", "https://relay.example/oauth/callback")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if tok != "granted" {
		t.Fatalf("token = %q", tok)
	}
}

func TestExchangeCodeMissingToken(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	_, err := c.ExchangeCode(context.Background(), "c", "r")
	var mf *MalformedError
	if !errors.As(err, &mf) {
		t.Fatalf("expected MalformedError, got %v", err)
	}
}

func TestCurrentUserWantsExactlyOne(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"items":[{"account_id":77,"user_id":1},{"account_id":78,"user_id":2}]}`))
	})
	_, err := c.CurrentUser(context.Background(), "tok")
	var mf *MalformedError
	if !errors.As(err, &mf) {
		t.Fatalf("expected MalformedError for 2 results, got %v", err)
	}
}

func TestEntryURL(t *testing.T) {
	c := New(Config{ClientID: "cid"}, logx.Nop())
	got := c.EntryURL("https://relay.example/oauth/callback", "st4te")
	want := "https://stackoverflow.com/oauth?client_id=cid&redirect_uri=https%3A%2F%2Frelay.example%2Foauth%2Fcallback&scope=read_inbox%2Cno_expiry&state=st4te"
	if got != want {
		t.Fatalf("entry url:\n got %s\nwant %s", got, want)
	}
}
