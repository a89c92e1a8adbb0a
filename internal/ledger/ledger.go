// Package ledger registers which memory record ids an owner holds on an
// append-only ledger. Every write stores the owner's full id set, so saves
// and deletes are read-modify-write cycles that collapse into one durable
// transaction each.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultMaxRetries   = 2
	DefaultWriteTimeout = 60 * time.Second
)

// RetryBaseDelay is the first backoff interval; it doubles per attempt.
// Tests override this to avoid real sleeps.
var RetryBaseDelay = time.Second

var (
	// ErrNonZeroCode is returned when the ledger accepted a write but
	// reported a failure code.
	ErrNonZeroCode = errors.New("ledger returned non-zero code")
	// ErrInvalidArgument rejects empty owners or record ids.
	ErrInvalidArgument = errors.New("invalid ledger argument")
)

// State is the latest id set of an owner.
type State struct {
	IDs    []string
	TxHash string
}

// WriteReceipt is the ledger's answer to a write. Code 0 means success.
type WriteReceipt struct {
	TxHash string
	Code   int
}

// Backend is the raw ledger transport.
type Backend interface {
	Read(ctx context.Context, owner string) (State, error)
	Write(ctx context.Context, owner string, ids []string) (WriteReceipt, error)
}

// SaveResult reports a SaveMemoryID call.
type SaveResult struct {
	AlreadyExists bool   `json:"already_exists"`
	TxHash        string `json:"tx_hash,omitempty"`
}

// DeleteResult reports a DeleteBatchMemoryIDs call.
type DeleteResult struct {
	DeletedCount int    `json:"deleted_count"`
	TxHash       string `json:"tx_hash,omitempty"`
}

// Options tunes a Client. Zero values take the defaults.
type Options struct {
	MaxRetries   int
	WriteTimeout time.Duration
}

// Client is the ledger client. It is safe for concurrent use.
//
// Identical operations in flight at the same time are collapsed into one
// ledger call whose outcome every caller shares. Read-modify-write cycles
// for one owner are serialised inside the process so concurrent saves of
// different ids do not overwrite each other.
type Client struct {
	backend      Backend
	maxRetries   int
	writeTimeout time.Duration
	group        singleflight.Group
	locks        sync.Map // owner -> *sync.Mutex
	logger       *zap.Logger

	// onRetry observes each scheduled backoff interval.
	onRetry func(op string, next time.Duration)
}

// New creates a Client over backend.
func New(backend Backend, opts Options, logger *zap.Logger) *Client {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	return &Client{
		backend:      backend,
		maxRetries:   opts.MaxRetries,
		writeTimeout: opts.WriteTimeout,
		logger:       logger,
	}
}

// SaveMemoryID registers recordID for owner. Saving an id that is already
// registered succeeds with AlreadyExists set and performs no write.
func (c *Client) SaveMemoryID(ctx context.Context, owner, recordID string) (SaveResult, error) {
	if owner == "" || recordID == "" {
		return SaveResult{}, ErrInvalidArgument
	}
	v, err := c.shared(ctx, flightKey("save", owner, recordID), func(ctx context.Context) (any, error) {
		return c.save(ctx, owner, recordID)
	})
	if err != nil {
		return SaveResult{}, err
	}
	return v.(SaveResult), nil
}

// GetMemoryIDs returns owner's registered ids. Never nil.
func (c *Client) GetMemoryIDs(ctx context.Context, owner string) ([]string, error) {
	if owner == "" {
		return nil, ErrInvalidArgument
	}
	st, err := c.read(ctx, owner)
	if err != nil {
		return nil, err
	}
	return st.IDs, nil
}

// DeleteBatchMemoryIDs removes ids from owner's set with a single write.
// When none of ids is registered nothing is written.
func (c *Client) DeleteBatchMemoryIDs(ctx context.Context, owner string, ids []string) (DeleteResult, error) {
	if owner == "" {
		return DeleteResult{}, ErrInvalidArgument
	}
	if len(ids) == 0 {
		return DeleteResult{}, nil
	}
	v, err := c.shared(ctx, flightKey("delete", owner, dedupKey(ids)...), func(ctx context.Context) (any, error) {
		return c.deleteBatch(ctx, owner, ids)
	})
	if err != nil {
		return DeleteResult{}, err
	}
	return v.(DeleteResult), nil
}

// shared runs fn once per key among concurrent callers. fn runs detached
// from ctx; a caller that gives up gets ctx.Err() and the write continues.
func (c *Client) shared(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		return fn(detached)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.Val, r.Err
	}
}

func (c *Client) save(ctx context.Context, owner, recordID string) (SaveResult, error) {
	unlock := c.lockOwner(owner)
	defer unlock()

	st, err := c.read(ctx, owner)
	if err != nil {
		return SaveResult{}, err
	}
	if slices.Contains(st.IDs, recordID) {
		return SaveResult{AlreadyExists: true, TxHash: st.TxHash}, nil
	}

	ids := append(slices.Clone(st.IDs), recordID)
	rc, err := c.write(ctx, owner, ids)
	if err != nil {
		return SaveResult{}, err
	}
	c.logger.Debug("ledger id saved",
		zap.String("owner", owner),
		zap.String("record_id", recordID),
		zap.String("tx", rc.TxHash))
	return SaveResult{TxHash: rc.TxHash}, nil
}

func (c *Client) deleteBatch(ctx context.Context, owner string, ids []string) (DeleteResult, error) {
	unlock := c.lockOwner(owner)
	defer unlock()

	st, err := c.read(ctx, owner)
	if err != nil {
		return DeleteResult{}, err
	}

	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := make([]string, 0, len(st.IDs))
	for _, id := range st.IDs {
		if _, ok := drop[id]; !ok {
			kept = append(kept, id)
		}
	}
	deleted := len(st.IDs) - len(kept)
	if deleted == 0 {
		return DeleteResult{}, nil
	}

	rc, err := c.write(ctx, owner, kept)
	if err != nil {
		return DeleteResult{}, err
	}
	c.logger.Info("ledger ids deleted",
		zap.String("owner", owner),
		zap.Int("deleted", deleted),
		zap.String("tx", rc.TxHash))
	return DeleteResult{DeletedCount: deleted, TxHash: rc.TxHash}, nil
}

func (c *Client) read(ctx context.Context, owner string) (State, error) {
	st, err := withRetry(ctx, c, "read", owner, func(ctx context.Context) (State, error) {
		return c.backend.Read(ctx, owner)
	})
	if err != nil {
		return State{}, fmt.Errorf("read ledger: %w", err)
	}
	if st.IDs == nil {
		st.IDs = []string{}
	}
	return st, nil
}

func (c *Client) write(ctx context.Context, owner string, ids []string) (WriteReceipt, error) {
	rc, err := withRetry(ctx, c, "write", owner, func(ctx context.Context) (WriteReceipt, error) {
		rc, err := c.backend.Write(ctx, owner, ids)
		if err != nil {
			return rc, err
		}
		if rc.Code != 0 {
			return rc, fmt.Errorf("%w: %d", ErrNonZeroCode, rc.Code)
		}
		return rc, nil
	})
	if err != nil {
		return WriteReceipt{}, fmt.Errorf("write ledger: %w", err)
	}
	return rc, nil
}

// withRetry runs op with a per-attempt timeout and exponential backoff.
// Timeouts are retried like any other failure.
func withRetry[T any](ctx context.Context, c *Client, op, owner string, fn func(context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = RetryBaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = RetryBaseDelay << c.maxRetries

	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		actx, cancel := context.WithTimeout(ctx, c.writeTimeout)
		defer cancel()
		return fn(actx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.maxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			if c.onRetry != nil {
				c.onRetry(op, next)
			}
			c.logger.Warn("ledger call failed, retrying",
				zap.String("op", op),
				zap.String("owner", owner),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", next),
				zap.Error(err))
		}),
	)
}

// lockOwner serialises read-modify-write cycles per owner. Locks are kept
// for the life of the client.
func (c *Client) lockOwner(owner string) func() {
	v, _ := c.locks.LoadOrStore(owner, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// dedupKey identifies a delete batch independent of id order.
func dedupKey(ids []string) []string {
	s := slices.Clone(ids)
	sort.Strings(s)
	return slices.Compact(s)
}

// flightKey builds a singleflight key. Parts are quoted so owners and ids
// containing separators cannot collide.
func flightKey(op, owner string, parts ...string) string {
	var b strings.Builder
	b.WriteString(op)
	for _, p := range append([]string{owner}, parts...) {
		b.WriteByte('/')
		b.WriteString(strconv.Quote(p))
	}
	return b.String()
}
