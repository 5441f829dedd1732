package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validYAML = `
web:
  listen: ":8080"
  public_url: "https://relay.example"
logging:
  level: "debug"
  console: true
storage:
  driver: "sqlite"
  path: "relay.db"
stackoverflow:
  client_id: "cid"
  client_secret: "secret"
  key: "app-key"
  request_timeout: "10s"
  rate_per_sec: 5
poller:
  enabled: true
  cadence: "1m"
  workers: 4
  queue_size: 64
  backoff_base: "5s"
  backoff_cap: "10m"
  store_retry_max: 3
hub:
  queue_depth: 64
push:
  enabled: true
  rate_per_sec: 2
  retry_max: 3
  pushover:
    token: "po-token"
`

func TestParseYAML(t *testing.T) {
	m := NewManager(writeConfig(t, "config.yaml", validYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Web.Listen != ":8080" || cfg.StackOverflow.ClientID != "cid" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Poller.Cadence != "1m" || cfg.Poller.Workers != 4 {
		t.Fatalf("unexpected poller config: %+v", cfg.Poller)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestParseJSON(t *testing.T) {
	m := NewManager(writeConfig(t, "config.json",
		`{"web":{"listen":":9090"},"poller":{"enabled":false}}`))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Web.Listen != ":9090" || cfg.Poller.Enabled {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	m := NewManager(writeConfig(t, "config.yaml", "web:\n  listen: \":8080\"\n  listne_typo: \":1\"\n"))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected unknown-field error")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	m := NewManager(writeConfig(t, "config.json", `{"web":{"listen":":1"}}{"extra":1}`))
	if _, err := m.Parse(); err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("expected trailing-data error, got %v", err)
	}
}

func TestSubscribePublishUnsubscribe(t *testing.T) {
	m := NewManager(writeConfig(t, "config.yaml", validYAML))
	ch := m.Subscribe(1)

	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	m.publish(cfg)
	select {
	case got := <-ch:
		if got != cfg {
			t.Fatal("received different config")
		}
	case <-time.After(time.Second):
		t.Fatal("no config published")
	}

	// A slow subscriber gets the newest config, not the stale one.
	stale := &Config{}
	m.publish(stale)
	m.publish(cfg)
	if got := <-ch; got != cfg {
		t.Fatal("expected newest config after overflow")
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed on unsubscribe")
	}
	m.Unsubscribe(ch) // no-op
}

func TestDurations(t *testing.T) {
	d, err := ParseDurationField("poller.cadence", "90s")
	if err != nil || d != 90*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if _, err := ParseDurationField("poller.cadence", "ninety"); err == nil {
		t.Fatal("expected parse error")
	}
	d, err = ParseDurationOrDefault("x", "", 5*time.Second)
	if err != nil || d != 5*time.Second {
		t.Fatalf("default: got %v, %v", d, err)
	}
}

func TestValidate(t *testing.T) {
	m := NewManager(writeConfig(t, "config.yaml", validYAML))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	bad := *cfg
	bad.Poller.BackoffBase = "10m"
	bad.Poller.BackoffCap = "5s"
	if err := Validate(&bad); err == nil {
		t.Fatal("expected cap-below-base rejection")
	}

	bad = *cfg
	bad.StackOverflow.ClientSecret = ""
	if err := Validate(&bad); err == nil {
		t.Fatal("expected missing-credential rejection when poller enabled")
	}

	bad = *cfg
	bad.Push.Pushover.Token = ""
	if err := Validate(&bad); err == nil {
		t.Fatal("expected push-without-channel rejection")
	}

	if err := Validate(nil); err == nil {
		t.Fatal("expected nil rejection")
	}
}
