// Package syncer reconciles every source of conversation state -- the
// user's optimistic sends, durable rows read back from the store, push
// events and polling results -- into a single in-memory view. All
// mutations funnel through one goroutine so merge order is total and
// the cache never needs to untangle concurrent writers.
package syncer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"chatsync/internal/conv"
	"chatsync/internal/gateway"
	"chatsync/internal/id"
	"chatsync/internal/message"
	"chatsync/internal/metrics"
)

// Config carries the per-user settings a Syncer needs to send messages
// and request replies. Zero values for the tunables fall back to the
// defaults below.
type Config struct {
	UserID      string
	CharacterID string
	PersonaID   string
	Model       string

	// SessionToken authenticates generation requests. It is verified
	// before a job is dispatched, never logged.
	SessionToken string

	AddonSettings map[string]bool

	PageSize     int
	PollInterval time.Duration
	SendCost     int64
	Retention    time.Duration
}

const (
	defaultPageSize     = 20
	defaultPollInterval = 2 * time.Second
	defaultSendCost     = 1
	defaultRetention    = 30 * time.Minute
)

func (c *Config) applyDefaults() {
	if c.PageSize <= 0 {
		c.PageSize = defaultPageSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.SendCost <= 0 {
		c.SendCost = defaultSendCost
	}
	if c.Retention <= 0 {
		c.Retention = defaultRetention
	}
}

// idempotentStore is implemented by stores that can deduplicate user
// writes on a client-supplied key. When the configured store supports
// it, sends use it so a retried persist cannot double-insert.
type idempotentStore interface {
	CreateUserMessageIdempotent(ctx context.Context, convID, authorID, content, key string) (string, time.Time, error)
}

type Syncer struct {
	cfg    Config
	store  gateway.Store
	gen    gateway.Generator
	push   gateway.PushChannel
	ledger gateway.Ledger
	log    zerolog.Logger
	rec    *metrics.Recorder

	// mu guards cache. Writes happen only on the run goroutine;
	// readers take the read lock.
	mu    sync.RWMutex
	cache *conv.Cache

	events  chan event
	runCtx  context.Context
	cancel  context.CancelFunc
	runDone chan struct{}

	// epoch increments on every conversation open. Page-shaped
	// results stamped with an older epoch are discarded on arrival.
	epoch atomic.Uint64

	activeMu  sync.Mutex
	activeID  string
	sub       gateway.Subscription
	subCancel context.CancelFunc

	obsMu     sync.Mutex
	observers map[int]func(convID string)
	nextObs   int

	balance   atomic.Int64
	balanceOK atomic.Bool
}

// New starts the reconciliation loop. The returned Syncer must be
// released with Close.
func New(store gateway.Store, gen gateway.Generator, push gateway.PushChannel, ledger gateway.Ledger, cfg Config, log zerolog.Logger, rec *metrics.Recorder) *Syncer {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Syncer{
		cfg:       cfg,
		store:     store,
		gen:       gen,
		push:      push,
		ledger:    ledger,
		log:       log.With().Str("component", "syncer").Logger(),
		rec:       rec,
		cache:     conv.NewCache(),
		events:    make(chan event, 64),
		runCtx:    ctx,
		cancel:    cancel,
		runDone:   make(chan struct{}),
		observers: make(map[int]func(string)),
	}
	go s.run(ctx)
	return s
}

// Close tears down the push subscription and stops the run loop.
func (s *Syncer) Close() error {
	s.activeMu.Lock()
	sub, subCancel := s.sub, s.subCancel
	s.sub, s.subCancel = nil, nil
	s.activeMu.Unlock()
	if subCancel != nil {
		subCancel()
	}
	if sub != nil {
		sub.Close()
	}
	s.cancel()
	<-s.runDone
	return nil
}

func (s *Syncer) run(ctx context.Context) {
	defer close(s.runDone)
	gc := time.NewTicker(time.Minute)
	defer gc.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			s.apply(ev)
		case <-gc.C:
			s.mu.Lock()
			n := s.cache.EvictStale(s.cfg.Retention)
			s.mu.Unlock()
			if n > 0 {
				s.rec.ObserveEvictions(n)
				s.log.Debug().Int("threads", n).Msg("evicted stale conversations")
			}
		}
	}
}

func (s *Syncer) apply(ev event) {
	if ev.done != nil {
		defer close(ev.done)
	}
	if ev.epoch != 0 && ev.epoch != s.epoch.Load() {
		s.log.Debug().
			Str("conversation_id", ev.convID).
			Uint64("epoch", ev.epoch).
			Msg("dropped stale page result")
		return
	}

	added := 0
	changed := false
	s.mu.Lock()
	switch ev.kind {
	case evMerge:
		out := s.cache.Merge(ev.convID, ev.msg)
		s.rec.ObserveMerge(out.String(), ev.source)
		changed = out != conv.MergeDuplicate
		if changed {
			added = 1
		}
	case evPollBatch:
		for _, m := range ev.msgs {
			out := s.cache.Merge(ev.convID, m)
			s.rec.ObserveMerge(out.String(), ev.source)
			if out != conv.MergeDuplicate {
				added++
			}
		}
		changed = added > 0
	case evConfirm:
		changed = s.cache.Confirm(ev.convID, ev.tempID, ev.durableID, ev.createdAt)
	case evFail:
		changed = s.cache.Fail(ev.convID, ev.tempID, ev.reason)
	case evReset:
		changed = s.cache.Reset(ev.convID, ev.tempID)
	case evRecent:
		s.cache.SetRecent(ev.convID, ev.page)
		changed = true
		added = len(ev.page.Messages)
	case evEarlier:
		added = s.cache.PrependEarlier(ev.convID, ev.page)
		changed = added > 0
	case evGenFailed:
		out := s.cache.Merge(ev.convID, ev.msg)
		s.rec.ObserveMerge(out.String(), ev.source)
		changed = out != conv.MergeDuplicate
	case evDrop:
		s.cache.Drop(ev.convID)
		changed = true
	}
	s.mu.Unlock()

	if ev.addedOut != nil {
		*ev.addedOut = added
	}
	if changed {
		s.notify(ev.convID)
	}
}

func (s *Syncer) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.runCtx.Done():
	}
}

func (s *Syncer) postWait(ctx context.Context, ev event) error {
	ev.done = make(chan struct{})
	select {
	case s.events <- ev:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.runCtx.Done():
		return s.runCtx.Err()
	}
	select {
	case <-ev.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.runCtx.Done():
		return s.runCtx.Err()
	}
}

// OnChange registers fn to be called, from the run goroutine, after any
// mutation that altered the named conversation's view. The returned
// function unregisters it.
func (s *Syncer) OnChange(fn func(convID string)) func() {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.obsMu.Unlock()
	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

func (s *Syncer) notify(convID string) {
	s.obsMu.Lock()
	fns := make([]func(string), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.obsMu.Unlock()
	for _, fn := range fns {
		fn(convID)
	}
}

// Messages returns the conversation's current merged view, oldest
// first. The slice is a copy and safe to retain.
func (s *Syncer) Messages(convID string) []message.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache.Messages(convID)
}

// TrackedContext returns the context snapshot carried by the most
// recent assistant turn, or the empty snapshot when none exists.
func (s *Syncer) TrackedContext(convID string) message.TrackedContext {
	return conv.LatestContext(s.Messages(convID))
}

// HasMore reports whether older history remains beyond the loaded
// window, along with the cursor that would fetch it.
func (s *Syncer) HasMore(convID string) (message.Cursor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache.HasMore(convID)
}

// Connected reports whether the push channel for the active
// conversation is live. Polling runs only while this is false.
func (s *Syncer) Connected() bool {
	s.activeMu.Lock()
	sub := s.sub
	s.activeMu.Unlock()
	return sub != nil && sub.Connected()
}

// Active returns the currently opened conversation id, if any.
func (s *Syncer) Active() string {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	return s.activeID
}

// Drop discards the cached view of a conversation.
func (s *Syncer) Drop(ctx context.Context, convID string) error {
	return s.postWait(ctx, event{kind: evDrop, convID: convID})
}

// failedMarker builds the failed assistant turn shown when a reply could
// not be produced. ref is the job id (or dispatch idempotency key) the
// failure refers to; keying the marker id on it makes a redelivered
// failure event merge as a duplicate.
func (s *Syncer) failedMarker(convID, ref, reason string) message.Message {
	if ref == "" {
		ref = id.NewULID()
	}
	return message.Message{
		ID:             "failed-" + ref,
		ConversationID: convID,
		Role:           message.RoleAssistant,
		CreatedAt:      time.Now().UTC(),
		DeliveryStatus: message.StatusFailed,
		FailureReason:  reason,
	}
}
