// Package gateway defines the messaging-platform collaborator contract
// and the batched removal executor built on top of it. The engine never
// talks to the platform directly.
package gateway

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"joinguard/internal/model"
)

// Gateway is the abstract messaging platform. All calls may fail for
// platform reasons (permissions, rate limits, the user already left);
// callers catch and log, never escalate.
type Gateway interface {
	RemoveMember(ctx context.Context, communityID, userID int64) error
	SendMessage(ctx context.Context, communityID int64, text string) (messageRef int64, err error)
	DeleteMessage(ctx context.Context, communityID, messageRef int64) error
	ProfilePhotoCount(ctx context.Context, userID int64) (int, error)
	GetMember(ctx context.Context, communityID, userID int64) (model.Account, error)
}

// Remover executes mass removals in bounded-concurrency batches with an
// inter-batch pause so a raid cleanup does not trip platform rate limits.
type Remover struct {
	gw        Gateway
	log       *slog.Logger
	batchSize int
	parallel  int64
	limiter   *rate.Limiter
}

func NewRemover(gw Gateway, log *slog.Logger, batchSize, parallel int, interBatchWait time.Duration) *Remover {
	if log == nil {
		log = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	if parallel <= 0 {
		parallel = 10
	}
	if interBatchWait <= 0 {
		interBatchWait = time.Second
	}
	return &Remover{
		gw:        gw,
		log:       log,
		batchSize: batchSize,
		parallel:  int64(parallel),
		limiter:   rate.NewLimiter(rate.Every(interBatchWait), 1),
	}
}

// RemoveAll removes every listed user and returns the number of
// confirmed removals. Individual failures are logged and skipped;
// a cancelled context stops the remaining batches.
func (r *Remover) RemoveAll(ctx context.Context, communityID int64, userIDs []int64, reason model.RemovalReason) int {
	confirmed := 0
	for start := 0; start < len(userIDs); start += r.batchSize {
		if err := r.limiter.Wait(ctx); err != nil {
			return confirmed
		}
		end := start + r.batchSize
		if end > len(userIDs) {
			end = len(userIDs)
		}
		confirmed += r.removeBatch(ctx, communityID, userIDs[start:end], reason)
	}
	return confirmed
}

func (r *Remover) removeBatch(ctx context.Context, communityID int64, batch []int64, reason model.RemovalReason) int {
	sem := semaphore.NewWeighted(r.parallel)
	var confirmed atomic.Int64
	var wg sync.WaitGroup
	for _, userID := range batch {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(uid int64) {
			defer wg.Done()
			defer sem.Release(1)
			if err := r.gw.RemoveMember(ctx, communityID, uid); err != nil {
				r.log.Warn("remove member failed",
					"community_id", communityID,
					"user_id", uid,
					"reason", string(reason),
					"error", err)
				return
			}
			r.log.Info("member removed",
				"community_id", communityID,
				"user_id", uid,
				"reason", string(reason))
			confirmed.Add(1)
		}(userID)
	}
	wg.Wait()
	return int(confirmed.Load())
}
