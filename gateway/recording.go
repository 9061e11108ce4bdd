package gateway

import (
	"context"

	log "github.com/sirupsen/logrus"

	"taskhub/domain"
)

// Recorder keeps a copy of published events.
type Recorder interface {
	Record(ctx context.Context, group string, ev domain.Event) error
}

// Recording publishes through next and then hands the event to rec. Recorder
// failures are logged and never fail the publish.
type Recording struct {
	next   Broadcaster
	rec    Recorder
	logger *log.Logger
}

func NewRecording(next Broadcaster, rec Recorder, logger *log.Logger) *Recording {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Recording{next: next, rec: rec, logger: logger}
}

func (r *Recording) Publish(ctx context.Context, group string, ev domain.Event) error {
	if err := r.next.Publish(ctx, group, ev); err != nil {
		return err
	}
	if err := r.rec.Record(ctx, group, ev); err != nil {
		r.logger.WithError(err).WithFields(log.Fields{"group": group, "event": ev.EventName()}).Warn("unable to record event")
	}
	return nil
}
