package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pdfpage/pkg/domain"
)

// Backend persists usage records by principal key.
type Backend interface {
	LoadUsage(ctx context.Context, key string) (domain.UsageRecord, bool, error)
	SaveUsage(ctx context.Context, rec domain.UsageRecord) error
}

// UsageLog is an append-only sink for usage events.
type UsageLog interface {
	AppendUsage(ctx context.Context, ev domain.UsageEvent) error
}

// Result is the outcome of CheckAndDebit.
type Result struct {
	OK        bool
	Remaining int
	Reason    domain.DenyReason
	Record    domain.UsageRecord
}

// Store owns the usage counters. Identified users live on the durable
// backend and any backend error refuses the operation. Anonymous sessions
// live on the ephemeral backend and backend errors are logged and allowed.
type Store struct {
	durable   Backend
	ephemeral Backend
	locks     keyedMutex
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger used for degraded-mode warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore builds a store. A nil durable backend routes identified users to
// the ephemeral backend while keeping strict error handling for them.
func NewStore(durable, ephemeral Backend, opts ...Option) *Store {
	if ephemeral == nil {
		ephemeral = NewMemoryBackend()
	}
	if durable == nil {
		durable = ephemeral
	}
	s := &Store{
		durable:   durable,
		ephemeral: ephemeral,
		locks:     keyedMutex{locks: make(map[string]*refLock)},
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the store clock reading.
func (s *Store) Now() time.Time {
	return s.now()
}

// Read returns the principal's record with rollover applied to the view.
func (s *Store) Read(ctx context.Context, p domain.Principal) (domain.UsageRecord, error) {
	unlock := s.locks.Lock(p.Key())
	defer unlock()
	rec, err := s.load(ctx, p)
	if err != nil {
		return domain.UsageRecord{}, err
	}
	rollover(&rec, domain.DayBucketOf(s.now()))
	return rec, nil
}

// CheckAndDebit admits n uploads totalling bytes against policy and, on
// success, increments the counters. Calls for one principal are serialized.
// A denial writes nothing.
func (s *Store) CheckAndDebit(ctx context.Context, p domain.Principal, policy Policy, n int, bytes int64) (Result, error) {
	if n < 1 {
		return Result{}, fmt.Errorf("debit count must be positive, got %d", n)
	}
	if bytes < 0 {
		bytes = 0
	}
	unlock := s.locks.Lock(p.Key())
	defer unlock()

	rec, err := s.load(ctx, p)
	if err != nil {
		return Result{}, err
	}
	now := s.now()
	rollover(&rec, domain.DayBucketOf(now))

	if reason := evaluate(rec, policy, n, bytes); reason != "" {
		return Result{OK: false, Remaining: Remaining(rec, policy), Reason: reason, Record: rec}, nil
	}

	rec.DailyUploads += uint32(n)
	rec.DailyBytes += uint64(bytes)
	rec.TotalUploads += uint64(n)
	rec.TotalBytes += uint64(bytes)
	rec.UpdatedAt = now.UTC()
	if err := s.save(ctx, p, rec); err != nil {
		return Result{}, err
	}
	return Result{OK: true, Remaining: Remaining(rec, policy), Record: rec}, nil
}

// Refund returns up to n of today's uploads and bytes of today's byte
// budget. Both clamp at zero. Lifetime totals are not touched.
func (s *Store) Refund(ctx context.Context, p domain.Principal, n int, bytes int64) error {
	if n <= 0 && bytes <= 0 {
		return nil
	}
	unlock := s.locks.Lock(p.Key())
	defer unlock()

	rec, err := s.load(ctx, p)
	if err != nil {
		return err
	}
	now := s.now()
	if rollover(&rec, domain.DayBucketOf(now)) {
		// The debit belonged to a previous day.
		return nil
	}
	n = max(n, 0)
	if uint32(n) > rec.DailyUploads {
		n = int(rec.DailyUploads)
	}
	b := uint64(max(bytes, 0))
	if b > rec.DailyBytes {
		b = rec.DailyBytes
	}
	if n == 0 && b == 0 {
		return nil
	}
	rec.DailyUploads -= uint32(n)
	rec.DailyBytes -= b
	rec.UpdatedAt = now.UTC()
	return s.save(ctx, p, rec)
}

// MarkLogin stamps the last login time on the principal's record.
func (s *Store) MarkLogin(ctx context.Context, p domain.Principal, at time.Time) error {
	unlock := s.locks.Lock(p.Key())
	defer unlock()

	rec, err := s.load(ctx, p)
	if err != nil {
		return err
	}
	rollover(&rec, domain.DayBucketOf(s.now()))
	rec.LastLogin = at.UTC()
	rec.UpdatedAt = s.now().UTC()
	return s.save(ctx, p, rec)
}

func (s *Store) backend(p domain.Principal) Backend {
	if p.Identified() {
		return s.durable
	}
	return s.ephemeral
}

func (s *Store) load(ctx context.Context, p domain.Principal) (domain.UsageRecord, error) {
	key := p.Key()
	rec, ok, err := s.backend(p).LoadUsage(ctx, key)
	if err != nil {
		if p.Identified() {
			return domain.UsageRecord{}, fmt.Errorf("load usage %s: %w", key, err)
		}
		s.logger.Warn("usage load failed, continuing with fresh record", "key", key, "error", err)
		ok = false
	}
	if !ok {
		rec = domain.UsageRecord{Key: key, DayBucket: domain.DayBucketOf(s.now())}
	}
	rec.Key = key
	return rec, nil
}

func (s *Store) save(ctx context.Context, p domain.Principal, rec domain.UsageRecord) error {
	if err := s.backend(p).SaveUsage(ctx, rec); err != nil {
		if p.Identified() {
			return fmt.Errorf("save usage %s: %w", rec.Key, err)
		}
		s.logger.Warn("usage save failed, allowing operation", "key", rec.Key, "error", err)
	}
	return nil
}

// rollover resets the daily counters when rec was last touched before today.
// It reports whether a reset happened.
func rollover(rec *domain.UsageRecord, today string) bool {
	if rec.DayBucket >= today {
		return false
	}
	rec.DailyUploads = 0
	rec.DailyBytes = 0
	rec.DayBucket = today
	return true
}

func evaluate(rec domain.UsageRecord, policy Policy, n int, bytes int64) domain.DenyReason {
	if policy.MaxBytesPerOp >= 0 && bytes > policy.MaxBytesPerOp {
		return domain.ReasonPerOpSize
	}
	if policy.MaxDailyUploads >= 0 && int64(rec.DailyUploads)+int64(n) > int64(policy.MaxDailyUploads) {
		return domain.ReasonDailyLimit
	}
	if policy.MaxBytesTotalPerDay >= 0 && rec.DailyBytes+uint64(bytes) > uint64(policy.MaxBytesTotalPerDay) {
		return domain.ReasonDailyBytes
	}
	return ""
}

// Remaining reports how many uploads policy still allows for rec.
func Remaining(rec domain.UsageRecord, policy Policy) int {
	if policy.UnlimitedDaily() {
		return domain.Unlimited
	}
	left := policy.MaxDailyUploads - int(rec.DailyUploads)
	if left < 0 {
		return 0
	}
	return left
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

// keyedMutex hands out one mutex per key and frees it when the last holder leaves.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
