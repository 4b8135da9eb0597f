package main

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/rally/internal/cache"
	"github.com/jason-s-yu/rally/internal/scoring"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// popTimeout bounds one BLPop so cancellation is noticed promptly.
const popTimeout = 1 * time.Second

// actionStore is the slice of the match repository the historian writes to.
type actionStore interface {
	InsertMatchActions(ctx context.Context, recs []cache.MatchActionRecord) error
	MarkMatchAbandoned(ctx context.Context, matchID uuid.UUID) (bool, error)
}

// historian drains the match journal queue into match_actions in batches and
// marks matches abandoned when they go quiet or are aborted.
type historian struct {
	rdb           *redis.Client
	queue         string
	store         actionStore
	log           *logrus.Logger
	batchSize     int
	flushDelay    time.Duration
	inactivity    time.Duration
	sweepInterval time.Duration

	mu           sync.Mutex
	batch        []cache.MatchActionRecord
	lastActivity map[uuid.UUID]time.Time
}

func newHistorian(rdb *redis.Client, queue string, store actionStore, log *logrus.Logger, batchSize int, flushDelay, inactivity time.Duration) *historian {
	return &historian{
		rdb:           rdb,
		queue:         queue,
		store:         store,
		log:           log,
		batchSize:     batchSize,
		flushDelay:    flushDelay,
		inactivity:    inactivity,
		sweepInterval: time.Minute,
		batch:         make([]cache.MatchActionRecord, 0, batchSize),
		lastActivity:  make(map[uuid.UUID]time.Time),
	}
}

// run blocks until ctx is cancelled, then flushes what is left.
func (h *historian) run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); h.readLoop(ctx) }()
	go func() { defer wg.Done(); h.flushLoop(ctx) }()
	go func() { defer wg.Done(); h.inactivityLoop(ctx) }()

	h.log.WithField("queue", h.queue).Info("historian started")
	wg.Wait()

	// ctx is already done; give the final flush its own deadline.
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.flush(flushCtx)
	h.log.Info("historian stopped")
}

func (h *historian) readLoop(ctx context.Context) {
	for ctx.Err() == nil {
		res, err := h.rdb.BLPop(ctx, popTimeout, h.queue).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				h.log.WithError(err).Error("BLPop failed")
				time.Sleep(popTimeout)
			}
			continue
		}
		// res[0] is the queue name and res[1] the payload.
		if len(res) < 2 {
			continue
		}
		if h.handle(res[1], time.Now()) {
			h.flush(ctx)
		}
	}
}

func (h *historian) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(h.flushDelay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.flush(ctx)
		}
	}
}

func (h *historian) inactivityLoop(ctx context.Context) {
	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h.sweep(ctx, now)
		}
	}
}

// handle decodes one queued record and adds it to the batch. It reports
// whether the batch is full.
func (h *historian) handle(payload string, now time.Time) bool {
	var rec cache.MatchActionRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		h.log.WithError(err).Warn("invalid action record")
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	switch rec.ActionType {
	case scoring.ActionMatchEnded, scoring.ActionMatchAborted:
		delete(h.lastActivity, rec.MatchID)
	default:
		h.lastActivity[rec.MatchID] = now
	}
	h.batch = append(h.batch, rec)
	return len(h.batch) >= h.batchSize
}

// flush writes the pending batch in one transaction. A failed batch is put
// back in front of newer records and retried on the next flush.
func (h *historian) flush(ctx context.Context) {
	h.mu.Lock()
	if len(h.batch) == 0 {
		h.mu.Unlock()
		return
	}
	pending := h.batch
	h.batch = make([]cache.MatchActionRecord, 0, h.batchSize)
	h.mu.Unlock()

	if err := h.store.InsertMatchActions(ctx, pending); err != nil {
		h.log.WithError(err).WithField("records", len(pending)).Error("failed to flush match actions")
		h.mu.Lock()
		h.batch = append(pending, h.batch...)
		h.mu.Unlock()
		return
	}
	h.log.WithField("records", len(pending)).Debug("flushed match actions")

	for _, rec := range pending {
		if rec.ActionType == scoring.ActionMatchAborted {
			h.abandon(ctx, rec.MatchID, "aborted")
		}
	}
}

// sweep marks every match that has been silent longer than the inactivity
// threshold plus one sweep interval as abandoned. The extra interval leaves
// the server's own idle abort room to land first; this sweep catches matches
// whose server died.
func (h *historian) sweep(ctx context.Context, now time.Time) {
	var stale []uuid.UUID
	h.mu.Lock()
	for id, last := range h.lastActivity {
		if now.Sub(last) > h.inactivity+h.sweepInterval {
			stale = append(stale, id)
			delete(h.lastActivity, id)
		}
	}
	h.mu.Unlock()

	for _, id := range stale {
		h.abandon(ctx, id, "inactive")
	}
}

func (h *historian) abandon(ctx context.Context, matchID uuid.UUID, why string) {
	entry := h.log.WithFields(logrus.Fields{"match_id": matchID, "reason": why})
	changed, err := h.store.MarkMatchAbandoned(ctx, matchID)
	if err != nil {
		entry.WithError(err).Error("failed to mark match abandoned")
		return
	}
	if changed {
		entry.Info("marked match abandoned")
	}
}
