package pusher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sorelay/internal/domain"
)

const pushoverMessagesURL = "https://api.pushover.net/1/messages.json"

// PushoverSender posts messages to the Pushover REST API. The target is
// the account's Pushover user key.
type PushoverSender struct {
	token   string
	baseURL string
	http    *http.Client
}

func NewPushoverSender(token string) *PushoverSender {
	return &PushoverSender{
		token:   token,
		baseURL: pushoverMessagesURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *PushoverSender) Channel() string { return domain.ChannelPushover }

func (s *PushoverSender) Send(ctx context.Context, target string, n domain.Notification) error {
	form := url.Values{
		"token":   {s.token},
		"user":    {target},
		"message": {n.Text},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusOK {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
	var out struct {
		Errors []string `json:"errors"`
	}
	if json.Unmarshal(body, &out) == nil && len(out.Errors) > 0 {
		return fmt.Errorf("pushover: status %d: %s", res.StatusCode, strings.Join(out.Errors, "; "))
	}
	return fmt.Errorf("pushover: status %d", res.StatusCode)
}
