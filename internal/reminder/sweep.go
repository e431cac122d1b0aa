// Package reminder nudges users who have not logged anything in the current window.
package reminder

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"example.com/sadhana/internal/domain"
	"example.com/sadhana/internal/notify"
)

// Store is the read-only view the sweep needs.
type Store interface {
	ListUsersWithPushTokens(ctx context.Context) ([]domain.User, error)
	SumByUser(ctx context.Context, userIDs []string, w domain.Window) (map[string]domain.Totals, error)
}

// Report summarises one sweep.
type Report struct {
	Window   domain.Window
	Checked  int
	Reminded int
	Failed   int
}

// Sweep sends a reminder push to every user with a device token and no ledger
// entry in today's window.
type Sweep struct {
	store    Store
	notifier notify.Notifier
	clock    domain.DayClock
	log      *logrus.Entry
	cron     *cron.Cron
}

// NewSweep constructs a Sweep.
func NewSweep(store Store, notifier notify.Notifier, clock domain.DayClock, entry *logrus.Entry) *Sweep {
	if entry == nil {
		entry = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Sweep{
		store:    store,
		notifier: notifier,
		clock:    clock,
		log:      entry.WithField("component", "reminder"),
	}
}

// Start schedules the sweep. spec is a six-field cron expression with seconds.
func (s *Sweep) Start(spec string) error {
	loc := s.clock.Location
	if loc == nil {
		loc = time.UTC
	}
	c := cron.New(cron.WithSeconds(), cron.WithLocation(loc))
	if _, err := c.AddFunc(spec, s.tick); err != nil {
		return fmt.Errorf("schedule %q: %w", spec, err)
	}
	s.cron = c
	c.Start()
	s.log.WithField("schedule", spec).Info("reminder sweep scheduled")
	return nil
}

// Stop waits for a running sweep to finish.
func (s *Sweep) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.log.Info("reminder sweep stopped")
}

func (s *Sweep) tick() {
	report, err := s.RunOnce(context.Background())
	if err != nil {
		s.log.WithError(err).Error("reminder sweep failed")
		return
	}
	s.log.WithFields(logrus.Fields{
		"window":   report.Window.Date(),
		"checked":  report.Checked,
		"reminded": report.Reminded,
		"failed":   report.Failed,
	}).Info("reminder sweep completed")
}

// RunOnce performs one sweep. Store errors abort it; push failures are only counted.
func (s *Sweep) RunOnce(ctx context.Context) (Report, error) {
	w, err := s.clock.Today()
	if err != nil {
		return Report{}, err
	}
	report := Report{Window: w}

	users, err := s.store.ListUsersWithPushTokens(ctx)
	if err != nil {
		return report, fmt.Errorf("list push tokens: %w", err)
	}
	report.Checked = len(users)
	if len(users) == 0 {
		return report, nil
	}

	ids := make([]string, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}
	logged, err := s.store.SumByUser(ctx, ids, w)
	if err != nil {
		return report, fmt.Errorf("sum window %s: %w", w.Date(), err)
	}

	var msgs []notify.Message
	for _, u := range users {
		if _, ok := logged[u.ID]; ok {
			continue
		}
		msgs = append(msgs, notify.Message{
			To:    u.PushToken,
			Title: "Daily sadhana",
			Body:  fmt.Sprintf("%s, nothing offered yet today. There is still time.", u.Name()),
			Data:  map[string]string{"type": "reminder", "date": w.Date()},
			Sound: "default",
		})
	}
	if len(msgs) == 0 {
		return report, nil
	}

	results, err := s.notifier.Send(ctx, msgs)
	if err != nil {
		s.log.WithError(err).WithField("recipients", len(msgs)).Warn("reminder batch failed")
		report.Failed = len(msgs)
		return report, nil
	}
	for _, r := range results {
		if r.OK {
			report.Reminded++
		} else {
			report.Failed++
		}
	}
	return report, nil
}
