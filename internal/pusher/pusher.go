// Package pusher delivers freshly stored notifications to each account's
// configured push channel. It consumes notification.created events from
// the bus, so a relay without push configured simply never starts it.
package pusher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"golang.org/x/time/rate"

	"sorelay/internal/domain"
	"sorelay/internal/eventbus"
	"sorelay/internal/runtime/supervisor"
	"sorelay/internal/storage"
	"sorelay/pkg/logx"
)

const (
	defaultRatePerSec = 2
	defaultRetryMax   = 3
	defaultBuffer     = 128

	sendRetryBase = 250 * time.Millisecond
	sendRetryCap  = 5 * time.Second
)

// Sender delivers one message to one channel-specific target.
type Sender interface {
	Channel() string
	Send(ctx context.Context, target string, n domain.Notification) error
}

type Options struct {
	RatePerSec int
	RetryMax   int
	Buffer     int
}

func (o Options) withDefaults() Options {
	if o.RatePerSec <= 0 {
		o.RatePerSec = defaultRatePerSec
	}
	if o.RetryMax <= 0 {
		o.RetryMax = defaultRetryMax
	}
	if o.Buffer <= 0 {
		o.Buffer = defaultBuffer
	}
	return o
}

type Pusher struct {
	opts    Options
	log     logx.Logger
	store   storage.Store
	bus     eventbus.Bus
	senders map[string]Sender
	limiter *rate.Limiter
	send    failsafe.Executor[any]

	sup       *supervisor.Supervisor
	unsub     func()
	startOnce sync.Once
	stopOnce  sync.Once
}

func New(opts Options, store storage.Store, bus eventbus.Bus, senders []Sender, log logx.Logger) *Pusher {
	opts = opts.withDefaults()
	byChannel := make(map[string]Sender, len(senders))
	for _, s := range senders {
		byChannel[s.Channel()] = s
	}
	retry := retrypolicy.NewBuilder[any]().
		WithMaxRetries(opts.RetryMax).
		WithBackoff(sendRetryBase, sendRetryCap).
		WithJitterFactor(0.25).
		Build()
	return &Pusher{
		opts:    opts,
		log:     log,
		store:   store,
		bus:     bus,
		senders: byChannel,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.RatePerSec),
		send:    failsafe.With(retry),
	}
}

func (p *Pusher) Start(ctx context.Context) error {
	p.startOnce.Do(func() {
		ch, unsub := p.bus.Subscribe(p.opts.Buffer)
		p.unsub = unsub
		p.sup = supervisor.New(ctx, supervisor.WithLogger(p.log))
		p.sup.Go0("pusher", func(ctx context.Context) {
			p.run(ctx, ch)
		})
		p.log.Info("pusher: started",
			logx.Int("channels", len(p.senders)),
			logx.Int("rate_per_sec", p.opts.RatePerSec))
	})
	return nil
}

func (p *Pusher) Stop(ctx context.Context) error {
	var err error
	p.stopOnce.Do(func() {
		if p.unsub != nil {
			p.unsub()
		}
		if p.sup != nil {
			err = p.sup.Stop(ctx)
		}
	})
	return err
}

func (p *Pusher) run(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != eventbus.TypeNotificationCreated {
				continue
			}
			ne, ok := ev.Data.(eventbus.NotificationEvent)
			if !ok {
				continue
			}
			p.deliver(ctx, ne)
		}
	}
}

// deliver is best effort: a notification that cannot be pushed is already
// persisted, so the account can still see it via resync.
func (p *Pusher) deliver(ctx context.Context, ne eventbus.NotificationEvent) {
	target, ok, err := p.store.PushTarget(ctx, ne.AccountID)
	if err != nil {
		p.log.Warn("pusher: push target lookup failed",
			logx.Int64("account_id", int64(ne.AccountID)), logx.Err(err))
		return
	}
	if !ok {
		return
	}
	sender, ok := p.senders[target.Channel]
	if !ok {
		p.log.Warn("pusher: no sender for channel",
			logx.Int64("account_id", int64(ne.AccountID)),
			logx.String("channel", target.Channel))
		return
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return
	}

	_, err = p.send.WithContext(ctx).Get(func() (any, error) {
		return nil, sender.Send(ctx, target.Target, ne.Notification)
	})
	if err != nil {
		p.log.Error("pusher: delivery failed",
			logx.Int64("account_id", int64(ne.AccountID)),
			logx.String("channel", target.Channel),
			logx.Err(fmt.Errorf("after %d retries: %w", p.opts.RetryMax, err)))
		return
	}
	p.log.Debug("pusher: delivered",
		logx.Int64("account_id", int64(ne.AccountID)),
		logx.String("channel", target.Channel))
}
