package ledger

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Async wraps a Client with fire-and-forget variants for request paths that
// must not wait on the ledger. Failures are only logged.
type Async struct {
	*Client
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewAsync wraps c.
func NewAsync(c *Client, logger *zap.Logger) *Async {
	return &Async{Client: c, logger: logger}
}

// SaveInBackground registers recordID without blocking the caller.
func (a *Async) SaveInBackground(owner, recordID string) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		res, err := a.SaveMemoryID(context.Background(), owner, recordID)
		if err != nil {
			a.logger.Error("background ledger save failed",
				zap.String("owner", owner),
				zap.String("record_id", recordID),
				zap.Error(err))
			return
		}
		if res.AlreadyExists {
			a.logger.Debug("ledger id already registered",
				zap.String("owner", owner), zap.String("record_id", recordID))
		}
	}()
}

// DeleteInBackground removes ids without blocking the caller.
func (a *Async) DeleteInBackground(owner string, ids []string) {
	if len(ids) == 0 {
		return
	}
	ids = append([]string(nil), ids...)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if _, err := a.DeleteBatchMemoryIDs(context.Background(), owner, ids); err != nil {
			a.logger.Error("background ledger delete failed",
				zap.String("owner", owner),
				zap.Int("ids", len(ids)),
				zap.Error(err))
		}
	}()
}

// Wait blocks until every background call has finished.
func (a *Async) Wait() {
	a.wg.Wait()
}
