package syncer

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"chatsync/internal/errs"
	"chatsync/internal/gateway"
	"chatsync/internal/message"
)

// fakeStore is an in-memory gateway.Store with numeric durable ids, so
// cursor comparisons behave like the real row-id cursor.
type fakeStore struct {
	mu      sync.Mutex
	rows    []message.Message
	nextID  int
	failOne bool
	delay   time.Duration

	// block, when non-nil, stalls EarlierMessages until released.
	block chan struct{}

	creates int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{nextID: 1}
}

func (f *fakeStore) add(convID string, role message.Role, content string) message.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := message.Message{
		ID:             strconv.Itoa(f.nextID),
		ConversationID: convID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now().UTC().Add(time.Duration(f.nextID) * time.Millisecond),
		DeliveryStatus: message.StatusSent,
	}
	f.nextID++
	f.rows = append(f.rows, m)
	return m
}

func (f *fakeStore) setDelay(d time.Duration) {
	f.mu.Lock()
	f.delay = d
	f.mu.Unlock()
}

func (f *fakeStore) CreateMessage(ctx context.Context, convID, authorID, content string, assistant bool) (string, time.Time, error) {
	atomic.AddInt64(&f.creates, 1)
	f.mu.Lock()
	fail := f.failOne
	f.failOne = false
	delay := f.delay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", time.Time{}, ctx.Err()
		}
	}
	if fail {
		return "", time.Time{}, &errs.PersistenceError{Op: "create", Err: fmt.Errorf("write refused")}
	}
	role := message.RoleUser
	if assistant {
		role = message.RoleAssistant
	}
	m := f.add(convID, role, content)
	return m.ID, m.CreatedAt, nil
}

func (f *fakeStore) convRows(convID string) []message.Message {
	var out []message.Message
	for _, m := range f.rows {
		if m.ConversationID == convID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.Atoi(out[i].ID)
		b, _ := strconv.Atoi(out[j].ID)
		return a < b
	})
	return out
}

func (f *fakeStore) RecentMessages(ctx context.Context, convID string, limit int) (message.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.convRows(convID)
	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[len(rows)-limit:]
	}
	p := message.Page{Messages: rows, HasMore: hasMore}
	if len(rows) > 0 {
		p.OldestBoundary = message.Cursor(rows[0].ID)
	}
	return p, nil
}

func (f *fakeStore) EarlierMessages(ctx context.Context, convID string, before message.Cursor, limit int) (message.Page, error) {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return message.Page{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	cut, _ := strconv.Atoi(string(before))
	var older []message.Message
	for _, m := range f.convRows(convID) {
		id, _ := strconv.Atoi(m.ID)
		if id < cut {
			older = append(older, m)
		}
	}
	hasMore := len(older) > limit
	if hasMore {
		older = older[len(older)-limit:]
	}
	p := message.Page{Messages: older, HasMore: hasMore}
	if len(older) > 0 {
		p.OldestBoundary = message.Cursor(older[0].ID)
	}
	return p, nil
}

type fakeGen struct {
	mu   sync.Mutex
	reqs []gateway.GenerationRequest
	err  error
}

func (f *fakeGen) Invoke(ctx context.Context, req gateway.GenerationRequest) (gateway.GenerationAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return gateway.GenerationAck{}, f.err
	}
	return gateway.GenerationAck{JobID: fmt.Sprintf("job-%d", len(f.reqs))}, nil
}

func (f *fakeGen) requests() []gateway.GenerationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.GenerationRequest(nil), f.reqs...)
}

type fakeSub struct {
	ch    chan gateway.PushEvent
	state atomic.Int32
	once  sync.Once
}

func newFakeSub(connected bool) *fakeSub {
	s := &fakeSub{ch: make(chan gateway.PushEvent, 16)}
	if connected {
		s.state.Store(int32(gateway.StateSubscribed))
	}
	return s
}

func (s *fakeSub) Events() <-chan gateway.PushEvent { return s.ch }

func (s *fakeSub) State() gateway.ConnState { return gateway.ConnState(s.state.Load()) }

func (s *fakeSub) Connected() bool { return s.State() == gateway.StateSubscribed }

func (s *fakeSub) Close() error {
	s.once.Do(func() {
		s.state.Store(int32(gateway.StateClosed))
		close(s.ch)
	})
	return nil
}

func (s *fakeSub) emit(ev gateway.PushEvent) { s.ch <- ev }

type fakePush struct {
	mu        sync.Mutex
	subs      []*fakeSub
	err       error
	connected bool
}

func (f *fakePush) Subscribe(ctx context.Context, convID string) (gateway.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	sub := newFakeSub(f.connected)
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *fakePush) last() *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return nil
	}
	return f.subs[len(f.subs)-1]
}

type fakeLedger struct {
	mu           sync.Mutex
	balance      int64
	balanceCalls int
	err          error
}

func (f *fakeLedger) Balance(ctx context.Context, userID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balanceCalls++
	if f.err != nil {
		return 0, f.err
	}
	return f.balance, nil
}

func (f *fakeLedger) Consume(ctx context.Context, userID string, amount int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balance < amount {
		return -1, errs.ErrInsufficientCredits
	}
	f.balance -= amount
	return f.balance, nil
}

func (f *fakeLedger) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balanceCalls
}
