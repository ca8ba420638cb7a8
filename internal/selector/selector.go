// Package selector picks the machines a drain run will target: the
// powered-on, non-maintenance members of a delivery group whose names
// match the requested parity.
package selector

import (
	"context"
	"fmt"

	"github.com/tphummel/drain_gear/internal/eventlog"
	"github.com/tphummel/drain_gear/internal/models"
)

// Inventory is the broker capability the selector needs.
type Inventory interface {
	ListMachines(ctx context.Context, group string) ([]models.Machine, error)
}

// Outcome distinguishes the ways a selection can end up empty. An
// inventory failure and a legitimately empty match set look the same to
// the scheduler but mean very different things to an operator.
type Outcome int

const (
	OutcomeSelected Outcome = iota
	OutcomeNoMatches
	OutcomeInvalidParity
	OutcomeQueryFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSelected:
		return "selected"
	case OutcomeNoMatches:
		return "no matches"
	case OutcomeInvalidParity:
		return "invalid parity"
	case OutcomeQueryFailed:
		return "query failed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Select queries the group's powered-on, non-maintenance machines and
// filters them by parity of the trailing digit of each name. Names not
// ending in a decimal digit match neither parity. An unrecognized parity
// string yields an empty selection with a distinct outcome, not an error.
func Select(ctx context.Context, inv Inventory, rec *eventlog.Recorder, group, parity string) ([]*models.Machine, Outcome, error) {
	rec.Info(eventlog.CodeSelectionStart, "", fmt.Sprintf("selecting %s machines in group %q", parity, group))

	p, err := models.ParseParity(parity)
	if err != nil {
		rec.Warn(eventlog.CodeParityInvalid, "", err.Error())
		return nil, OutcomeInvalidParity, nil
	}

	machines, err := inv.ListMachines(ctx, group)
	if err != nil {
		rec.Error(eventlog.CodeSelectionFailed, "", fmt.Sprintf("inventory query for group %q failed: %v", group, err))
		return nil, OutcomeQueryFailed, fmt.Errorf("list machines in %q: %w", group, err)
	}

	var selected []*models.Machine
	for i := range machines {
		if p.Matches(machines[i].Name) {
			m := machines[i]
			selected = append(selected, &m)
		}
	}

	if len(selected) == 0 {
		rec.Info(eventlog.CodeSelectionEmpty, "", fmt.Sprintf("no %s machines in group %q", p, group))
		return nil, OutcomeNoMatches, nil
	}

	rec.Info(eventlog.CodeSelectionDone, "", fmt.Sprintf("selected %d machines in group %q", len(selected), group))
	return selected, OutcomeSelected, nil
}
