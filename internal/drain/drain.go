// Package drain implements the drain-and-reboot loop: poll every target
// machine's live session count on a fixed tick, warn active users each
// cycle, restart machines as they go idle, and force-restart whatever is
// left once the global budget runs out.
package drain

import (
	"context"
	"fmt"
	"time"

	"github.com/tphummel/drain_gear/internal/eventlog"
	"github.com/tphummel/drain_gear/internal/metrics"
	"github.com/tphummel/drain_gear/internal/models"
)

// Default cadence: poll and warn every 5 minutes, force-restart anything
// still pending after 30 hours. The budget is a safety ceiling, far beyond
// any realistic drain; the pre-drain timer is the primary control.
const (
	DefaultInterval = 5 * time.Minute
	DefaultBudget   = 30 * time.Hour
)

// Broker is the control-plane capability the scheduler needs. Every
// decision is made against a fresh GetMachine fetch, never against state
// cached at selection time.
type Broker interface {
	GetMachine(ctx context.Context, name string) (*models.Machine, error)
	ListSessions(ctx context.Context, name string) ([]models.Session, error)
	NotifySessions(ctx context.Context, sessionIDs []string, title, text string) error
	SetMaintenance(ctx context.Context, name string, enabled bool) error
	Restart(ctx context.Context, name string) error
}

// Scheduler drives one drain run to completion.
type Scheduler struct {
	Broker   Broker
	Events   *eventlog.Recorder
	Interval time.Duration
	Budget   time.Duration

	// Sleep replaces time.Sleep in tests. Nil means time.Sleep.
	Sleep func(time.Duration)
}

// Run converges every machine in the target set to restarted. A machine
// leaves the set exactly once, at the moment its restart action is issued,
// and is never re-added. Per-machine broker failures are logged and
// contained; the only error Run returns is context cancellation.
func (s *Scheduler) Run(ctx context.Context, machines []*models.Machine) error {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	budget := s.Budget
	if budget <= 0 {
		budget = DefaultBudget
	}
	sleep := s.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	targets := make(map[string]*models.Machine, len(machines))
	for _, m := range machines {
		targets[m.Name] = m
	}

	s.Events.Info(eventlog.CodeDrainStart, "",
		fmt.Sprintf("draining %d machines, budget %s, interval %s", len(targets), budget, interval))
	metrics.MachinesPending.Set(float64(len(targets)))

	remaining := budget
	for len(targets) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		for name, m := range targets {
			if s.pollMachine(ctx, m, remaining) {
				delete(targets, name)
			}
		}

		metrics.PollCyclesTotal.Inc()
		metrics.MachinesPending.Set(float64(len(targets)))

		if len(targets) == 0 {
			break
		}
		if remaining > 0 {
			remaining -= interval
			sleep(interval)
		}
		// With the budget exhausted the next pass force-restarts every
		// remaining machine, emptying the set without another sleep.
	}

	s.Events.Info(eventlog.CodeDrainDone, "", "all machines restarted")
	return nil
}

// pollMachine handles one machine for one cycle and reports whether it
// should leave the target set.
func (s *Scheduler) pollMachine(ctx context.Context, m *models.Machine, remaining time.Duration) bool {
	if remaining <= 0 {
		s.Events.Warn(eventlog.CodeForcedRestart, m.Name, "drain budget exhausted, forcing restart")
		s.restart(ctx, m, "forced")
		return true
	}

	fresh, err := s.Broker.GetMachine(ctx, m.Name)
	if err != nil {
		metrics.BrokerErrorsTotal.WithLabelValues("get_machine").Inc()
		s.Events.Error(eventlog.CodeBrokerError, m.Name, fmt.Sprintf("refresh machine state: %v", err))
		return false
	}

	if fresh.SessionCount == 0 {
		s.restart(ctx, m, "drained")
		return true
	}

	s.warn(ctx, fresh, remaining)
	return false
}

// restart clears maintenance mode and issues the restart power action.
// Both calls are attempted even if the first fails; either failure leaves
// the machine for manual remediation, but it is still considered issued
// and never re-queued.
func (s *Scheduler) restart(ctx context.Context, m *models.Machine, mode string) {
	if err := s.Broker.SetMaintenance(ctx, m.Name, false); err != nil {
		metrics.BrokerErrorsTotal.WithLabelValues("set_maintenance").Inc()
		s.Events.Error(eventlog.CodeBrokerError, m.Name, fmt.Sprintf("clear maintenance mode: %v", err))
	}
	if err := s.Broker.Restart(ctx, m.Name); err != nil {
		metrics.BrokerErrorsTotal.WithLabelValues("restart").Inc()
		s.Events.Error(eventlog.CodeBrokerError, m.Name, fmt.Sprintf("restart: %v", err))
		return
	}
	metrics.RestartsTotal.WithLabelValues(mode).Inc()
	s.Events.Info(eventlog.CodeRestartIssued, m.Name, fmt.Sprintf("restart issued (%s)", mode))
}

// warn notifies every session on the machine how long it has left.
func (s *Scheduler) warn(ctx context.Context, m *models.Machine, remaining time.Duration) {
	sessions, err := s.Broker.ListSessions(ctx, m.Name)
	if err != nil {
		metrics.BrokerErrorsTotal.WithLabelValues("list_sessions").Inc()
		s.Events.Error(eventlog.CodeBrokerError, m.Name, fmt.Sprintf("list sessions: %v", err))
		return
	}
	if len(sessions) == 0 {
		// Session count went to zero between the fetch and now; the next
		// cycle's fresh fetch picks it up.
		return
	}

	ids := make([]string, len(sessions))
	for i, sess := range sessions {
		ids[i] = sess.ID
	}

	minutes := int(remaining.Minutes())
	title := "Scheduled maintenance"
	text := fmt.Sprintf(
		"This machine will be restarted for maintenance in %d minutes. Please save your work and log off.",
		minutes)
	if err := s.Broker.NotifySessions(ctx, ids, title, text); err != nil {
		metrics.BrokerErrorsTotal.WithLabelValues("notify_sessions").Inc()
		s.Events.Error(eventlog.CodeBrokerError, m.Name, fmt.Sprintf("notify sessions: %v", err))
		return
	}
	metrics.WarningsSentTotal.Inc()
	s.Events.Info(eventlog.CodeWarningSent, m.Name,
		fmt.Sprintf("warned %d sessions, %d minutes remaining", len(sessions), minutes))
}
