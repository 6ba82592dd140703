// Package readmodel caches ledger view results per account and transaction.
// Entries live until the lifecycle manager reports that a transfer touching
// the account reached a terminal state; there is no time-based expiry.
package readmodel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"homeward/internal/contracts"
	"homeward/internal/ledger"
	"homeward/internal/remittance"
)

type QueryType string

const (
	QueryReputation        QueryType = "reputation"
	QueryTransactionCount  QueryType = "transaction-count"
	QueryTransactionDetail QueryType = "transaction-detail"
)

var ErrInvalidKey = errors.New("invalid query key")

// QueryKey names one cached view: an account for reputation and count, a
// ledger transaction id for detail.
type QueryKey struct {
	Type    QueryType `json:"type"`
	Subject string    `json:"subject"`
}

func (k QueryKey) String() string {
	return string(k.Type) + ":" + k.Subject
}

// Entry is a cached view result.
type Entry struct {
	Key        QueryKey        `json:"key"`
	Value      json.RawMessage `json:"value"`
	Accounts   []string        `json:"accounts"`
	FetchedAt  time.Time       `json:"fetchedAt"`
	AccessedAt time.Time       `json:"accessedAt"`
}

// Store holds entries and indexes them by the accounts they depend on.
type Store interface {
	// Load returns the entry for key and records now as its access time.
	Load(ctx context.Context, key QueryKey, now time.Time) (Entry, bool, error)
	Put(ctx context.Context, entry Entry) error
	// InvalidateAccounts drops every entry indexed under one of accounts and
	// returns how many were removed.
	InvalidateAccounts(ctx context.Context, accounts []string) (int, error)
}

// FetchError reports a failed cache-miss read. Nothing is cached for the key
// and the caller may retry.
type FetchError struct {
	Key QueryKey
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("read %s from ledger: %v", e.Key, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

type Stats struct {
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Invalidations uint64 `json:"invalidations"`
	FetchErrors   uint64 `json:"fetchErrors"`
}

type Option func(*Cache)

func WithStore(s Store) Option { return func(c *Cache) { c.store = s } }

func WithLogger(l *zap.Logger) Option { return func(c *Cache) { c.logger = l } }

func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

// WithFetchTimeout bounds a shared ledger read; callers that give up early do
// not cancel it for the others waiting on the same key.
func WithFetchTimeout(d time.Duration) Option { return func(c *Cache) { c.fetchTimeout = d } }

type Cache struct {
	client       ledger.Client
	contract     string
	decimals     int32
	store        Store
	logger       *zap.Logger
	now          func() time.Time
	fetchTimeout time.Duration
	group        singleflight.Group

	// mu orders stores against invalidations: a fetch that started before an
	// invalidation of one of its accounts is returned but never stored.
	mu            sync.Mutex
	generation    uint64
	invalidatedAt map[string]uint64
	// inflight counts running fetches by the generation they started at.
	inflight map[uint64]int

	hits, misses, invalidations, fetchErrors atomic.Uint64
}

func New(client ledger.Client, contract string, decimals int32, opts ...Option) *Cache {
	if decimals == 0 {
		decimals = remittance.DefaultDecimals
	}
	c := &Cache{
		client:        client,
		contract:      contract,
		decimals:      decimals,
		logger:        zap.NewNop(),
		now:           func() time.Time { return time.Now().UTC() },
		fetchTimeout:  15 * time.Second,
		invalidatedAt: make(map[string]uint64),
		inflight:      make(map[uint64]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.store == nil {
		c.store = NewMemoryStore()
	}
	c.logger = c.logger.Named("readmodel")
	return c
}

// Get returns the cached value for key, fetching it from the ledger on a miss.
// Concurrent misses for the same key share one ledger read.
func (c *Cache) Get(ctx context.Context, key QueryKey) (Entry, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return Entry{}, err
	}

	entry, ok, err := c.store.Load(ctx, key, c.now())
	if err != nil {
		c.logger.Warn("cache load failed, reading through", zap.String("key", key.String()), zap.Error(err))
	}
	if ok {
		c.hits.Add(1)
		return entry, nil
	}
	c.misses.Add(1)

	// a read that began before the last invalidation must not be joined
	c.mu.Lock()
	flight := fmt.Sprintf("%s@%d", key, c.generation)
	c.mu.Unlock()

	v, err, shared := c.group.Do(flight, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()
		return c.fetch(fctx, key)
	})
	if err != nil {
		c.fetchErrors.Add(1)
		return Entry{}, err
	}
	if shared {
		c.logger.Debug("shared ledger read", zap.String("key", key.String()))
	}
	return v.(Entry), nil
}

func (c *Cache) fetch(ctx context.Context, key QueryKey) (Entry, error) {
	c.mu.Lock()
	startedAt := c.generation
	c.inflight[startedAt]++
	c.mu.Unlock()
	defer c.release(startedAt)

	call := ledger.ReadCall{Contract: c.contract}
	switch key.Type {
	case QueryReputation:
		call.Method, call.Args = contracts.MethodGetUserReputation, []any{key.Subject}
	case QueryTransactionCount:
		call.Method, call.Args = contracts.MethodGetUserTransactionCnt, []any{key.Subject}
	case QueryTransactionDetail:
		id, _ := new(big.Int).SetString(key.Subject, 10)
		call.Method, call.Args = contracts.MethodGetTransactionInfo, []any{id}
	}

	out, err := c.client.ReadState(ctx, call)
	if err != nil {
		return Entry{}, &FetchError{Key: key, Err: err}
	}
	value, accounts, err := c.decode(key, out)
	if err != nil {
		return Entry{}, &FetchError{Key: key, Err: err}
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return Entry{}, &FetchError{Key: key, Err: err}
	}

	now := c.now()
	entry := Entry{Key: key, Value: raw, Accounts: accounts, FetchedAt: now, AccessedAt: now}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, acc := range accounts {
		if c.invalidatedAt[acc] > startedAt {
			c.logger.Debug("dropping read that raced an invalidation", zap.String("key", key.String()))
			return entry, nil
		}
	}
	if err := c.store.Put(ctx, entry); err != nil {
		c.logger.Warn("cache store failed", zap.String("key", key.String()), zap.Error(err))
	}
	return entry, nil
}

// release ends a read started at generation gen and forgets invalidations no
// remaining read can have raced.
func (c *Cache) release(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight[gen]--
	if c.inflight[gen] <= 0 {
		delete(c.inflight, gen)
	}
	if len(c.inflight) == 0 {
		clear(c.invalidatedAt)
		return
	}
	oldest := uint64(math.MaxUint64)
	for g := range c.inflight {
		oldest = min(oldest, g)
	}
	for acc, at := range c.invalidatedAt {
		if at <= oldest {
			delete(c.invalidatedAt, acc)
		}
	}
}

// InvalidateAccounts drops every entry that depends on one of accounts.
func (c *Cache) InvalidateAccounts(ctx context.Context, accounts ...string) error {
	normalized := make([]string, 0, len(accounts))
	for _, acc := range accounts {
		if acc = normalizeAccount(acc); acc != "" {
			normalized = append(normalized, acc)
		}
	}
	if len(normalized) == 0 {
		return nil
	}

	c.mu.Lock()
	c.generation++
	if len(c.inflight) > 0 {
		for _, acc := range normalized {
			c.invalidatedAt[acc] = c.generation
		}
	}
	c.mu.Unlock()

	n, err := c.store.InvalidateAccounts(ctx, normalized)
	c.invalidations.Add(uint64(n))
	if err != nil {
		return fmt.Errorf("invalidate %v: %w", normalized, err)
	}
	c.logger.Debug("invalidated accounts", zap.Strings("accounts", normalized), zap.Int("entries", n))
	return nil
}

func (c *Cache) Stats() Stats {
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Invalidations: c.invalidations.Load(),
		FetchErrors:   c.fetchErrors.Load(),
	}
}

func normalizeAccount(acc string) string {
	acc = strings.TrimSpace(acc)
	if !common.IsHexAddress(acc) {
		return ""
	}
	return strings.ToLower(common.HexToAddress(acc).Hex())
}

func normalizeKey(key QueryKey) (QueryKey, error) {
	switch key.Type {
	case QueryReputation, QueryTransactionCount:
		acc := normalizeAccount(key.Subject)
		if acc == "" {
			return key, fmt.Errorf("%w: %q is not an account address", ErrInvalidKey, key.Subject)
		}
		key.Subject = acc
	case QueryTransactionDetail:
		id, ok := new(big.Int).SetString(strings.TrimSpace(key.Subject), 10)
		if !ok || id.Sign() < 0 {
			return key, fmt.Errorf("%w: %q is not a transaction id", ErrInvalidKey, key.Subject)
		}
		key.Subject = id.String()
	default:
		return key, fmt.Errorf("%w: unknown query type %q", ErrInvalidKey, key.Type)
	}
	return key, nil
}
