package payout

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// In-memory fakes for the capability interfaces, shared by the intake and
// settlement protocol tests.

type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]string
	failWith error
	acquires int
	releases []string
	extends  []string
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]string)}
}

func (l *fakeLocker) Acquire(_ context.Context, resource string, _ time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquires++
	if l.failWith != nil {
		return "", l.failWith
	}
	if _, ok := l.held[resource]; ok {
		return "", ErrLockNotAcquired
	}
	token := NewLockToken()
	l.held[resource] = token
	return token, nil
}

func (l *fakeLocker) AcquireWithRetry(ctx context.Context, resource string, ttl time.Duration, attempts int, _ time.Duration) (string, error) {
	var err error
	var token string
	for i := 0; i < attempts; i++ {
		token, err = l.Acquire(ctx, resource, ttl)
		if err == nil {
			return token, nil
		}
	}
	return "", err
}

func (l *fakeLocker) Release(_ context.Context, resource, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releases = append(l.releases, resource)
	if l.held[resource] == token {
		delete(l.held, resource)
	}
	return nil
}

func (l *fakeLocker) Extend(_ context.Context, resource, token string, _ time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.extends = append(l.extends, resource)
	if l.held[resource] != token {
		return ErrLockNotAcquired
	}
	return nil
}

func (l *fakeLocker) holds(resource string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[resource]
	return ok
}

// seize installs a foreign holder, simulating a concurrent in-flight payout.
func (l *fakeLocker) seize(resource string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held[resource] = NewLockToken()
}

type fakeBalance struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	deducts  int
	adds     int
	failWith error
}

func newFakeBalance() *fakeBalance {
	return &fakeBalance{balances: make(map[string]decimal.Decimal)}
}

func (b *fakeBalance) Get(_ context.Context, userID string) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failWith != nil {
		return decimal.Zero, b.failWith
	}
	bal, ok := b.balances[userID]
	if !ok {
		return decimal.Zero, ErrBalanceMissing
	}
	return bal, nil
}

func (b *fakeBalance) Set(_ context.Context, userID string, value decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[userID] = value
	return nil
}

func (b *fakeBalance) Deduct(_ context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failWith != nil {
		return decimal.Zero, b.failWith
	}
	current, ok := b.balances[userID]
	if !ok {
		return decimal.Zero, ErrBalanceMissing
	}
	if current.LessThan(amount) {
		return decimal.Zero, ErrInsufficientFunds
	}
	b.deducts++
	b.balances[userID] = current.Sub(amount)
	return b.balances[userID], nil
}

func (b *fakeBalance) Add(_ context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	current, ok := b.balances[userID]
	if !ok {
		return decimal.Zero, ErrBalanceMissing
	}
	b.adds++
	b.balances[userID] = current.Add(amount)
	return b.balances[userID], nil
}

func (b *fakeBalance) HasSufficient(ctx context.Context, userID string, amount decimal.Decimal) (bool, error) {
	bal, err := b.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	return bal.GreaterThanOrEqual(amount), nil
}

func (b *fakeBalance) current(userID string) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[userID]
}

type fakeTxStore struct {
	mu               sync.Mutex
	txs              map[string]*Transaction
	failOnCompleted  error
	failOnProcessing error
}

func newFakeTxStore() *fakeTxStore {
	return &fakeTxStore{txs: make(map[string]*Transaction)}
}

func (s *fakeTxStore) Insert(_ context.Context, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *tx
	s.txs[tx.TransactionID] = &cp
	return nil
}

func (s *fakeTxStore) GetByID(_ context.Context, id string) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return nil, NewPayoutError(ErrCodeTransactionNotFound, "transaction not found", nil)
	}
	cp := *tx
	return &cp, nil
}

func (s *fakeTxStore) ListByUser(_ context.Context, userID string, status TransactionStatus, _ int64) ([]*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Transaction
	for _, tx := range s.txs {
		if tx.UserID == userID && (status == "" || tx.Status == status) {
			cp := *tx
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeTxStore) MarkProcessing(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOnProcessing != nil {
		return s.failOnProcessing
	}
	tx, ok := s.txs[id]
	if !ok {
		return NewPayoutError(ErrCodeTransactionNotFound, "transaction not found", nil)
	}
	if tx.Status != StatusInitiated && tx.Status != StatusProcessing {
		return ErrInvalidTransition
	}
	now := time.Now().UTC()
	tx.Status = StatusProcessing
	tx.ProcessingAt = &now
	return nil
}

func (s *fakeTxStore) MarkCompleted(_ context.Context, id string, balanceAfter decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOnCompleted != nil {
		return s.failOnCompleted
	}
	tx, ok := s.txs[id]
	if !ok {
		return NewPayoutError(ErrCodeTransactionNotFound, "transaction not found", nil)
	}
	if tx.Status != StatusProcessing && tx.Status != StatusCompleted {
		return ErrInvalidTransition
	}
	now := time.Now().UTC()
	tx.Status = StatusCompleted
	tx.BalanceAfter = balanceAfter
	tx.CompletedAt = &now
	return nil
}

func (s *fakeTxStore) MarkFailed(_ context.Context, id, code, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return NewPayoutError(ErrCodeTransactionNotFound, "transaction not found", nil)
	}
	if tx.Status.Terminal() && tx.Status != StatusFailed {
		return ErrInvalidTransition
	}
	now := time.Now().UTC()
	tx.Status = StatusFailed
	tx.ErrorCode = code
	tx.ErrorMessage = message
	tx.FailedAt = &now
	return nil
}

func (s *fakeTxStore) get(id string) *Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txs[id]
}

type fakeUserStore struct {
	mu      sync.Mutex
	users   map[string]*User
	applied int
}

func newFakeUserStore(users ...*User) *fakeUserStore {
	s := &fakeUserStore{users: make(map[string]*User)}
	for _, u := range users {
		s.users[u.UserID] = u
	}
	return s
}

func (s *fakeUserStore) GetByID(_ context.Context, userID string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, NewPayoutError(ErrCodeUserNotFound, "user not found", nil)
	}
	cp := *u
	return &cp, nil
}

func (s *fakeUserStore) ApplyPayout(_ context.Context, userID string, amount, newBalance decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return NewPayoutError(ErrCodeUserNotFound, "user not found", nil)
	}
	s.applied++
	u.Balance = newBalance
	u.TotalPayouts++
	u.TotalPayoutAmount = u.TotalPayoutAmount.Add(amount)
	now := time.Now().UTC()
	u.LastPayoutAt = &now
	return nil
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []*PayoutMessage
	failWith error
}

func (p *fakePublisher) Publish(_ context.Context, msg *PayoutMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return p.failWith
	}
	cp := *msg
	p.messages = append(p.messages, &cp)
	return nil
}

func (p *fakePublisher) published() []*PayoutMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*PayoutMessage(nil), p.messages...)
}

type fakeBridge struct {
	mu     sync.Mutex
	events []*StatusEvent
}

func (b *fakeBridge) Emit(_ context.Context, event *StatusEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *event
	b.events = append(b.events, &cp)
	return nil
}

func (b *fakeBridge) names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.events))
	for i, e := range b.events {
		out[i] = e.Event
	}
	return out
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (a *fakeAudit) Record(_ context.Context, entry AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
}

func (a *fakeAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.Action
	}
	return out
}
