package notify

import (
	"context"
	"time"

	"campus-realtime/internal/logging"
	"campus-realtime/internal/models"
)

// DeliverDue delivers scheduled notifications whose time has come.
func (o *Orchestrator) DeliverDue(ctx context.Context) (int, error) {
	now := o.now()
	due, err := o.notifications.Find(ctx, models.NotificationFilter{
		Status:    models.NotificationActive,
		Pending:   true,
		DueBefore: &now,
	})
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, n := range due {
		if n.Expired(now) {
			continue
		}
		if _, err := o.deliver(ctx, n); err != nil {
			logging.Ctx(ctx).Error().Err(err).Str("notification_id", n.ID).Msg("scheduled delivery failed")
			continue
		}
		delivered++
	}
	return delivered, nil
}

// SweepExpired archives active notifications past their expiry. Nothing is
// purged.
func (o *Orchestrator) SweepExpired(ctx context.Context) (int, error) {
	now := o.now()
	return o.notifications.UpdateMany(ctx, models.NotificationFilter{Status: models.NotificationActive, ExpiredAt: &now}, func(n *models.Notification) bool {
		if n.Status != models.NotificationActive {
			return false
		}
		n.Status = models.NotificationArchived
		n.UpdatedAt = now
		return true
	})
}

// Job runs fn on a fixed interval as a supervised service.
type Job struct {
	name     string
	interval time.Duration
	fn       func(context.Context) (int, error)
}

// NewDueDispatcher polls for scheduled notifications.
func NewDueDispatcher(o *Orchestrator, interval time.Duration) *Job {
	return &Job{name: "notification-scheduler", interval: interval, fn: o.DeliverDue}
}

// NewExpirySweeper archives expired notifications.
func NewExpirySweeper(o *Orchestrator, interval time.Duration) *Job {
	return &Job{name: "notification-expiry", interval: interval, fn: o.SweepExpired}
}

// Serve implements suture.Service.
func (j *Job) Serve(ctx context.Context) error {
	interval := j.interval
	if interval <= 0 {
		interval = time.Minute
	}
	log := logging.WithComponent(j.name)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := j.fn(ctx)
			if err != nil {
				log.Error().Err(err).Msg("run failed")
				continue
			}
			if n > 0 {
				log.Info().Int("count", n).Msg("run complete")
			}
		}
	}
}

func (j *Job) String() string {
	return j.name
}
