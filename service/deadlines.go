package service

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"taskhub/domain"
)

// DeadlineScanner periodically raises due-soon and overdue notifications.
// Each task gets at most one of each until its due date changes.
type DeadlineScanner struct {
	store    DeadlineStore
	notes    *NotificationService
	window   time.Duration
	interval time.Duration
	logger   *log.Logger
	now      func() time.Time
}

// NewDeadlineScanner notifies about tasks due within window, scanning every interval.
func NewDeadlineScanner(store DeadlineStore, notes *NotificationService, window, interval time.Duration, logger *log.Logger) *DeadlineScanner {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &DeadlineScanner{store: store, notes: notes, window: window, interval: interval, logger: logger, now: time.Now}
}

// Run scans until ctx is done.
func (d *DeadlineScanner) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		if _, err := d.Scan(ctx); err != nil && ctx.Err() == nil {
			d.logger.WithError(err).Error("deadline scan failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Scan runs one pass and returns the number of notifications sent.
func (d *DeadlineScanner) Scan(ctx context.Context) (int, error) {
	now := d.now().UTC()
	sent := 0
	for _, kind := range []domain.DeadlineKind{domain.DeadlineOverdue, domain.DeadlineDueSoon} {
		tasks, err := d.store.ListDeadlineCandidates(ctx, kind, now, d.window)
		if err != nil {
			return sent, err
		}
		for _, t := range tasks {
			claimed, err := d.store.MarkDeadlineNotified(ctx, t.ID, kind)
			if err != nil {
				return sent, err
			}
			if !claimed {
				continue
			}
			sent += len(d.notes.Deadline(ctx, t, kind))
		}
	}
	if sent > 0 {
		d.logger.WithField("notifications", sent).Info("deadline notifications sent")
	}
	return sent, nil
}
