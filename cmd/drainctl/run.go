package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tphummel/drain_gear/internal/broker"
	"github.com/tphummel/drain_gear/internal/drain"
	"github.com/tphummel/drain_gear/internal/eventlog"
	"github.com/tphummel/drain_gear/internal/maintain"
	"github.com/tphummel/drain_gear/internal/metrics"
	"github.com/tphummel/drain_gear/internal/selector"
)

// Environment variables carrying the broker credentials. Supplied out of
// band so they never appear in process listings or shell history.
const (
	envAPIToken  = "DRAIN_API_TOKEN"
	envAPIKey    = "DRAIN_API_KEY"
	envAPISecret = "DRAIN_API_SECRET"
)

func run(cmd *cobra.Command, opts *cliOptions) error {
	if err := validate(cmd.Flags(), opts); err != nil {
		return err
	}

	// Privilege pre-flight: abort before any broker interaction, with no
	// side effects, when the caller is not elevated.
	if opts.geteuid() != 0 {
		return exitError{code: 2, message: "drainctl must run with elevated privileges"}
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	store, err := eventlog.New(opts.eventDB)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("event log close error", slog.String("error", err.Error()))
		}
	}()

	registerMetricsOnce.Do(func() { metrics.Register(store) })
	if opts.metricsAddr != "" {
		serveMetrics(opts.metricsAddr)
	}

	runID := uuid.New().String()
	rec := eventlog.NewRecorder(store, slog.Default(), runID)
	rec.Info(eventlog.CodeRunStart,
		"", fmt.Sprintf("drain run starting: group %q, parity %s, drain timer %d minutes", opts.group, opts.parity, opts.drainTimer))

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	client := newBrokerClient(ctx, opts, rec)

	machines, outcome, err := selector.Select(ctx, client, rec, opts.group, opts.parity)
	switch outcome {
	case selector.OutcomeQueryFailed:
		return fmt.Errorf("machine selection failed: %w", err)
	case selector.OutcomeNoMatches, selector.OutcomeInvalidParity:
		rec.Info(eventlog.CodeRunDone, "", "nothing to drain")
		return nil
	}
	metrics.MachinesSelected.Set(float64(len(machines)))

	// A machine whose maintenance toggle failed stays in the target set:
	// it still drains and restarts, the broker just may keep routing new
	// sessions to it in the meantime.
	if err := maintain.Apply(ctx, client, rec, machines); err != nil {
		slog.Warn("maintenance mode incomplete, continuing",
			slog.String("run_id", runID), slog.String("error", err.Error()))
	}

	// Quiet grace period: no polling, no warnings, just time for users to
	// move themselves off before the warning cadence starts.
	grace := time.Duration(opts.drainTimer) * time.Minute
	rec.Info(eventlog.CodePreDrainStart, "", fmt.Sprintf("waiting %s before drain begins", grace))
	opts.sleep(grace)

	sched := &drain.Scheduler{
		Broker:   client,
		Events:   rec,
		Interval: opts.pollInterval,
		Budget:   opts.maxDrain,
		Sleep:    opts.sleep,
	}
	if err := sched.Run(ctx, machines); err != nil {
		return fmt.Errorf("drain interrupted: %w", err)
	}

	rec.Info(eventlog.CodeRunDone, "", "drain run complete")
	return nil
}

// newBrokerClient builds the control-plane client for the selected auth
// mode. A failed cloud token exchange is recorded but does not stop the
// run; every subsequent broker call is then expected to fail and be
// handled by the normal per-call containment.
func newBrokerClient(ctx context.Context, opts *cliOptions, rec *eventlog.Recorder) *broker.Client {
	if opts.cloud {
		creds := broker.Credentials{
			CustomerID: opts.customerID,
			ClientID:   os.Getenv(envAPIKey),
			Secret:     os.Getenv(envAPISecret),
		}
		client, err := broker.NewCloudClient(ctx, opts.brokerURL, creds)
		if err == nil {
			return client
		}
		rec.Error(eventlog.CodeAuthError, "", fmt.Sprintf("hosted control plane authentication failed: %v", err))
	}

	client, err := broker.NewClient(opts.brokerURL, os.Getenv(envAPIToken))
	if err != nil {
		// Only reachable with an empty broker URL, which validate and the
		// required-flag check already reject.
		panic(err)
	}
	return client
}
