package history

import (
	"context"
	"errors"

	"github.com/HendryAvila/iterate/internal/events"
	"go.uber.org/zap"
)

// Recorder copies every completion from a bus subscription into a Store.
type Recorder struct {
	store  *Store
	logger *zap.Logger
}

// NewRecorder creates a Recorder writing to store.
func NewRecorder(store *Store, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: store, logger: logger}
}

// Run records events until ctx is done or sub is closed. Write failures
// are logged and do not stop the loop.
func (r *Recorder) Run(ctx context.Context, sub *events.Subscription[events.Completion]) error {
	for {
		ev, err := sub.Recv(ctx)
		if err != nil {
			if errors.Is(err, events.ErrSubscriptionClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		id, err := r.store.Record(ev)
		if err != nil {
			r.logger.Warn("recording completion failed", zap.Error(err), zap.String("url", ev.URL))
			continue
		}
		r.logger.Debug("completion recorded", zap.Int64("id", id), zap.String("site", ev.SiteName))
	}
}
