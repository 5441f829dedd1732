package config

import (
	"errors"
	"fmt"
)

// Validate checks the parts of the config that can be verified without
// touching the network or the filesystem. The watcher runs it before
// committing a reloaded config, so a bad edit keeps the previous one.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config: nil")
	}
	var errs []error

	if cfg.Web.Listen == "" {
		errs = append(errs, errors.New("web.listen: required"))
	}
	if _, err := ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationOrDefault("stackoverflow.request_timeout", cfg.StackOverflow.RequestTimeout, 0); err != nil {
		errs = append(errs, err)
	}
	if cfg.StackOverflow.RatePerSec < 0 {
		errs = append(errs, fmt.Errorf("stackoverflow.rate_per_sec: must be >= 0, got %d", cfg.StackOverflow.RatePerSec))
	}

	if cfg.Poller.Enabled {
		if cfg.StackOverflow.ClientID == "" || cfg.StackOverflow.ClientSecret == "" {
			errs = append(errs, errors.New("stackoverflow: client_id and client_secret required when poller enabled"))
		}
	}
	if _, err := ParseDurationOrDefault("poller.cadence", cfg.Poller.Cadence, 0); err != nil {
		errs = append(errs, err)
	}
	base, err := ParseDurationOrDefault("poller.backoff_base", cfg.Poller.BackoffBase, 0)
	if err != nil {
		errs = append(errs, err)
	}
	capd, err := ParseDurationOrDefault("poller.backoff_cap", cfg.Poller.BackoffCap, 0)
	if err != nil {
		errs = append(errs, err)
	}
	if base > 0 && capd > 0 && capd < base {
		errs = append(errs, fmt.Errorf("poller.backoff_cap: %s is below poller.backoff_base %s", capd, base))
	}
	if cfg.Poller.Workers < 0 {
		errs = append(errs, fmt.Errorf("poller.workers: must be >= 0, got %d", cfg.Poller.Workers))
	}
	if cfg.Poller.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("poller.queue_size: must be >= 0, got %d", cfg.Poller.QueueSize))
	}
	if cfg.Hub.QueueDepth < 0 {
		errs = append(errs, fmt.Errorf("hub.queue_depth: must be >= 0, got %d", cfg.Hub.QueueDepth))
	}

	if cfg.Push.Enabled && cfg.Push.Pushover.Token == "" && cfg.Push.Telegram.Token == "" {
		errs = append(errs, errors.New("push: enabled but no channel token configured"))
	}

	return errors.Join(errs...)
}
