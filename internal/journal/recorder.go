package journal

import (
	"context"

	"github.com/matheus3301/pulse/internal/bus"
	"github.com/matheus3301/pulse/internal/envelope"
	"go.uber.org/zap"
)

const pruneEvery = 100

// Recorder journals lottery draws published on the bus. Heartbeats are not
// recorded.
type Recorder struct {
	db     *DB
	bus    *bus.Bus
	keep   int
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRecorder creates a recorder keeping at most keep draws; keep <= 0
// keeps everything.
func NewRecorder(db *DB, b *bus.Bus, keep int, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{db: db, bus: b, keep: keep, logger: logger.Named("journal")}
}

// Start subscribes to lottery events.
func (r *Recorder) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	ch, unsub := r.bus.SubscribeAll(bus.KindLotteryEvent)

	go func() {
		defer close(r.done)
		defer unsub()
		recorded := 0
		for {
			select {
			case evt := <-ch:
				se, ok := evt.Payload.(envelope.StreamEvent)
				if !ok || se.Event != envelope.StreamLottery {
					continue
				}
				if err := r.db.RecordDraw(se); err != nil {
					r.logger.Error("failed to record draw", zap.Error(err))
					continue
				}
				recorded++
				if r.keep > 0 && recorded%pruneEvery == 0 {
					if n, err := r.db.PruneDraws(r.keep); err != nil {
						r.logger.Warn("failed to prune draws", zap.Error(err))
					} else if n > 0 {
						r.logger.Debug("pruned draws", zap.Int64("removed", n))
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the recorder and waits for it to exit.
func (r *Recorder) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}
