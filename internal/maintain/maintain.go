// Package maintain puts target machines into broker maintenance mode so
// no new sessions land on them while they drain.
package maintain

import (
	"context"
	"errors"
	"fmt"

	"github.com/tphummel/drain_gear/internal/eventlog"
	"github.com/tphummel/drain_gear/internal/models"
)

// Toggler is the broker capability the maintenance gate needs.
type Toggler interface {
	SetMaintenance(ctx context.Context, name string, enabled bool) error
}

// Apply enables maintenance mode on every machine, independently per
// machine: one failed toggle never stops the rest of the batch. The
// returned error aggregates the per-machine failures, if any. Machines
// whose toggle failed remain in the caller's target set; they are still
// drained and restarted, just without the guarantee that the broker has
// stopped routing sessions to them.
func Apply(ctx context.Context, t Toggler, rec *eventlog.Recorder, machines []*models.Machine) error {
	rec.Info(eventlog.CodeMaintenanceStart, "", fmt.Sprintf("enabling maintenance mode on %d machines", len(machines)))

	var errs []error
	for _, m := range machines {
		if err := t.SetMaintenance(ctx, m.Name, true); err != nil {
			rec.Error(eventlog.CodeMaintenanceError, m.Name, fmt.Sprintf("enable maintenance mode: %v", err))
			errs = append(errs, fmt.Errorf("machine %s: %w", m.Name, err))
			continue
		}
		m.InMaintenance = true
	}

	rec.Info(eventlog.CodeMaintenanceDone, "", fmt.Sprintf("maintenance mode applied, %d failures", len(errs)))
	return errors.Join(errs...)
}
