// Package poller drives the relay: on a fixed cadence it polls the unread
// notifications of every registered account, persists what is new, and
// publishes each freshly stored notification to the hub and the event bus.
//
// Accounts move through a small state machine (idle -> polling -> idle, or
// -> backoff on transient failure, or -> broken on a permanent API error).
// A bounded queue and worker pool put a ceiling on concurrent polls, and
// the polling phase doubles as a single-flight guard so an account is
// never polled by two workers at once.
package poller

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/robfig/cron/v3"

	"sorelay/internal/builder"
	"sorelay/internal/domain"
	"sorelay/internal/eventbus"
	"sorelay/internal/hub"
	"sorelay/internal/runtime/supervisor"
	"sorelay/internal/stackoverflow"
	"sorelay/internal/storage"
	"sorelay/pkg/logx"
)

const (
	defaultCadence   = time.Minute
	defaultWorkers   = 4
	defaultQueueSize = 64

	defaultBackoffBase = 5 * time.Second
	defaultBackoffCap  = 10 * time.Minute

	defaultStoreRetryMax = 3
	storeRetryBase       = 100 * time.Millisecond
	storeRetryCap        = 2 * time.Second
)

type Options struct {
	Cadence       time.Duration
	Workers       int
	QueueSize     int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	StoreRetryMax int
}

func (o Options) withDefaults() Options {
	if o.Cadence <= 0 {
		o.Cadence = defaultCadence
	}
	if o.Workers <= 0 {
		o.Workers = defaultWorkers
	}
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = defaultBackoffBase
	}
	if o.BackoffCap < o.BackoffBase {
		o.BackoffCap = defaultBackoffCap
	}
	if o.StoreRetryMax <= 0 {
		o.StoreRetryMax = defaultStoreRetryMax
	}
	return o
}

type insertResult struct {
	n       domain.Notification
	created bool
}

type Poller struct {
	opts   Options
	log    logx.Logger
	client *stackoverflow.Client
	store  storage.Store
	hub    *hub.Hub
	bus    eventbus.Bus
	insert failsafe.Executor[insertResult]

	mu       sync.Mutex
	accounts map[domain.AccountID]*accountState
	rng      *rand.Rand

	cron  *cron.Cron
	queue chan domain.AccountID
	sup   *supervisor.Supervisor

	startOnce sync.Once
	stopOnce  sync.Once
}

func New(opts Options, client *stackoverflow.Client, store storage.Store, h *hub.Hub, bus eventbus.Bus, log logx.Logger) *Poller {
	opts = opts.withDefaults()
	retry := retrypolicy.NewBuilder[insertResult]().
		WithMaxRetries(opts.StoreRetryMax).
		WithBackoff(storeRetryBase, storeRetryCap).
		WithJitterFactor(0.25).
		Build()
	return &Poller{
		opts:     opts,
		log:      log,
		client:   client,
		store:    store,
		hub:      h,
		bus:      bus,
		insert:   failsafe.With(retry),
		accounts: map[domain.AccountID]*accountState{},
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		queue:    make(chan domain.AccountID, opts.QueueSize),
	}
}

// Track registers (or re-registers) an account for polling. Re-tracking a
// broken account gives it a fresh start.
func (p *Poller) Track(reg domain.Registration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accounts[reg.AccountID] = &accountState{token: reg.AccessToken}
	p.log.Info("poller: tracking account", logx.Int64("account_id", int64(reg.AccountID)))
}

// Forget drops an account from the rotation. In-flight polls finish but
// their results are kept; dedup makes that harmless.
func (p *Poller) Forget(accountID domain.AccountID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.accounts, accountID)
}

// Start spins up the worker pool and the cadence ticker.
func (p *Poller) Start(ctx context.Context) error {
	var err error
	p.startOnce.Do(func() {
		p.sup = supervisor.New(ctx, supervisor.WithLogger(p.log))
		for i := 0; i < p.opts.Workers; i++ {
			p.sup.Go0("poller-worker", p.worker)
		}
		p.cron = cron.New()
		if _, aerr := p.cron.AddFunc("@every "+p.opts.Cadence.String(), p.tick); aerr != nil {
			err = aerr
			return
		}
		p.cron.Start()
		p.log.Info("poller: started",
			logx.Duration("cadence", p.opts.Cadence),
			logx.Int("workers", p.opts.Workers))
	})
	return err
}

// Stop halts the ticker, lets in-flight polls drain, and stops the workers.
func (p *Poller) Stop(ctx context.Context) error {
	var err error
	p.stopOnce.Do(func() {
		if p.cron != nil {
			select {
			case <-p.cron.Stop().Done():
			case <-ctx.Done():
				err = ctx.Err()
				return
			}
		}
		if p.sup != nil {
			err = p.sup.Stop(ctx)
		}
	})
	return err
}

// PollNow enqueues one immediate poll for an account, subject to the same
// single-flight rule as the ticker. Used right after registration.
func (p *Poller) PollNow(accountID domain.AccountID) {
	p.mu.Lock()
	st, ok := p.accounts[accountID]
	if !ok || !st.due(time.Now()) {
		p.mu.Unlock()
		return
	}
	st.phase = phasePolling
	p.mu.Unlock()
	p.enqueue(accountID)
}

// tick scans all tracked accounts and enqueues those due for a poll.
func (p *Poller) tick() {
	now := time.Now()
	var due []domain.AccountID

	p.mu.Lock()
	for id, st := range p.accounts {
		if st.due(now) {
			st.phase = phasePolling
			due = append(due, id)
		}
	}
	p.mu.Unlock()

	for _, id := range due {
		p.enqueue(id)
	}
}

func (p *Poller) enqueue(id domain.AccountID) {
	select {
	case p.queue <- id:
	default:
		// Queue full: skip this cycle, the account stays idle and the
		// next tick picks it up again.
		p.mu.Lock()
		if st, ok := p.accounts[id]; ok && st.phase == phasePolling {
			st.phase = phaseIdle
		}
		p.mu.Unlock()
		p.log.Warn("poller: queue full, skipping cycle",
			logx.Int64("account_id", int64(id)))
	}
}

func (p *Poller) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-p.queue:
			p.pollOnce(ctx, id)
		}
	}
}

// pollOnce runs one full cycle for one account: fetch, dedup-insert in
// fetch order, publish only what was newly inserted.
func (p *Poller) pollOnce(ctx context.Context, id domain.AccountID) {
	p.mu.Lock()
	st, ok := p.accounts[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	token := st.token
	p.mu.Unlock()

	items, err := p.client.UnreadNotifications(ctx, token)
	if err != nil {
		p.finishWithError(ctx, id, err)
		return
	}

	created := 0
	for _, item := range items {
		cand := builder.Build(id, item)
		res, ierr := p.insert.WithContext(ctx).Get(func() (insertResult, error) {
			n, c, e := p.store.InsertIfNew(ctx, cand.AccountID, cand.Text)
			return insertResult{n: n, created: c}, e
		})
		if ierr != nil {
			// Store unavailable beyond the retry budget. Abort the cycle;
			// dedup makes re-processing these items safe next time.
			p.log.Error("poller: store unavailable, aborting cycle",
				logx.Int64("account_id", int64(id)), logx.Err(ierr))
			p.backoff(id, ierr, 0)
			return
		}
		if !res.created {
			continue
		}
		created++
		p.hub.Publish(res.n)
		p.bus.Publish(eventbus.Event{
			Type: eventbus.TypeNotificationCreated,
			Data: eventbus.NotificationEvent{AccountID: id, Notification: res.n},
		})
	}

	p.mu.Lock()
	if st, ok := p.accounts[id]; ok {
		st.succeed()
	}
	p.mu.Unlock()

	if created > 0 {
		p.log.Info("poller: cycle complete",
			logx.Int64("account_id", int64(id)),
			logx.Int("fetched", len(items)),
			logx.Int("created", created))
	} else {
		p.log.Debug("poller: cycle complete, nothing new",
			logx.Int64("account_id", int64(id)),
			logx.Int("fetched", len(items)))
	}
}

// finishWithError maps the client's error taxonomy onto the account state.
func (p *Poller) finishWithError(ctx context.Context, id domain.AccountID, err error) {
	if ctx.Err() != nil {
		// Shutdown, not a source failure. Leave the account pollable.
		p.mu.Lock()
		if st, ok := p.accounts[id]; ok && st.phase == phasePolling {
			st.phase = phaseIdle
		}
		p.mu.Unlock()
		return
	}

	var (
		rateLimited *stackoverflow.RateLimitedError
		unavailable *stackoverflow.UnavailableError
		malformed   *stackoverflow.MalformedError
		apiErr      *stackoverflow.APIError
	)
	switch {
	case errors.As(err, &rateLimited):
		p.log.Warn("poller: rate limited",
			logx.Int64("account_id", int64(id)),
			logx.Duration("retry_after", rateLimited.RetryAfter))
		p.backoff(id, err, rateLimited.RetryAfter)

	case errors.As(err, &unavailable):
		p.log.Warn("poller: source unavailable",
			logx.Int64("account_id", int64(id)), logx.Err(err))
		p.backoff(id, err, 0)

	case errors.As(err, &malformed):
		// Treat an undecodable response as an empty cycle. Nothing is
		// inserted or published and the cadence continues unchanged.
		p.log.Warn("poller: malformed response, skipping cycle",
			logx.Int64("account_id", int64(id)), logx.Err(err))
		p.mu.Lock()
		if st, ok := p.accounts[id]; ok {
			st.succeed()
		}
		p.mu.Unlock()

	case errors.As(err, &apiErr):
		// An in-band API error we don't recognize usually means the token
		// is dead. Pull the account out of rotation until it re-registers.
		p.log.Error("poller: api error, account broken",
			logx.Int64("account_id", int64(id)), logx.Err(err))
		p.mu.Lock()
		if st, ok := p.accounts[id]; ok {
			st.breakPermanently()
		}
		p.mu.Unlock()
		p.bus.Publish(eventbus.Event{
			Type: eventbus.TypePollFailed,
			Data: eventbus.PollEvent{AccountID: id, Err: err.Error()},
		})

	default:
		// Network-level failure. Same treatment as an unavailable source.
		p.log.Warn("poller: request failed",
			logx.Int64("account_id", int64(id)), logx.Err(err))
		p.backoff(id, err, 0)
	}
}

func (p *Poller) backoff(id domain.AccountID, cause error, floor time.Duration) {
	p.mu.Lock()
	st, ok := p.accounts[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	delay := st.fail(time.Now(), p.opts.BackoffBase, p.opts.BackoffCap, floor, p.rng)
	failures := st.failures
	p.mu.Unlock()

	p.log.Info("poller: backing off",
		logx.Int64("account_id", int64(id)),
		logx.Int("failures", failures),
		logx.Duration("delay", delay))
	p.bus.Publish(eventbus.Event{
		Type: eventbus.TypePollBackoff,
		Data: eventbus.PollEvent{AccountID: id, Err: cause.Error(), Backoff: delay},
	})
}

// AccountStatus is a point-in-time view of one account, for health output.
type AccountStatus struct {
	AccountID  domain.AccountID `json:"account_id"`
	Phase      string           `json:"phase"`
	Failures   int              `json:"failures,omitempty"`
	EligibleAt time.Time        `json:"eligible_at,omitempty"`
}

func (p *Poller) Snapshot() []AccountStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]AccountStatus, 0, len(p.accounts))
	for id, st := range p.accounts {
		out = append(out, AccountStatus{
			AccountID:  id,
			Phase:      st.phase.String(),
			Failures:   st.failures,
			EligibleAt: st.eligibleAt,
		})
	}
	return out
}
