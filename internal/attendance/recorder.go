package attendance

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aitestlab/monitor/internal/models"
	"github.com/aitestlab/monitor/internal/monitor"
)

const (
	queueSize    = 1024
	writeTimeout = 5 * time.Second
)

// Store persists attendance spans.
type Store interface {
	LogJoin(ctx context.Context, testID string, p monitor.Participant) error
	LogLeave(ctx context.Context, testID string, p monitor.Participant, removed bool) error
	ListByTest(ctx context.Context, testID string) ([]models.Attendance, error)
	Summary(ctx context.Context, testID string) (*models.AttendanceSummary, error)
}

type entry struct {
	testID string
	change monitor.Change
}

// Recorder turns participant changes into attendance writes off the event
// path. Record never blocks; Run performs the writes.
type Recorder struct {
	store  Store
	queue  chan entry
	logger *zap.Logger
}

// NewRecorder creates a recorder writing to store.
func NewRecorder(store Store, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: store, queue: make(chan entry, queueSize), logger: logger}
}

// Record queues the join, leave and remove changes of a test.
func (r *Recorder) Record(testID string, changes []monitor.Change) {
	for _, c := range changes {
		if c.Type == monitor.ChangeUpdated {
			continue
		}
		select {
		case r.queue <- entry{testID: testID, change: c}:
		default:
			r.logger.Warn("attendance queue full, dropping change",
				zap.String("test_id", testID),
				zap.String("participant_id", c.Participant.ID),
				zap.String("type", string(c.Type)))
		}
	}
}

// Run writes queued changes until ctx is done, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.flush()
			r.logger.Info("attendance recorder stopping")
			return nil
		case e := <-r.queue:
			r.write(e)
		}
	}
}

func (r *Recorder) flush() {
	for {
		select {
		case e := <-r.queue:
			r.write(e)
		default:
			return
		}
	}
}

func (r *Recorder) write(e entry) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	p := e.change.Participant
	var err error
	switch e.change.Type {
	case monitor.ChangeJoined:
		err = r.store.LogJoin(ctx, e.testID, p)
	case monitor.ChangeLeft:
		err = r.store.LogLeave(ctx, e.testID, p, false)
	case monitor.ChangeRemoved:
		err = r.store.LogLeave(ctx, e.testID, p, true)
	}
	if err != nil {
		r.logger.Error("attendance write failed",
			zap.String("test_id", e.testID),
			zap.String("participant_id", p.ID),
			zap.String("type", string(e.change.Type)),
			zap.Error(err))
	}
}
