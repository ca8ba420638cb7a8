package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tphummel/drain_gear/internal/metrics"
)

// version and commit are injected at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

type cliOptions struct {
	group        string
	parity       string
	drainTimer   int // minutes
	cloud        bool
	customerID   string
	brokerURL    string
	pollInterval time.Duration
	maxDrain     time.Duration
	eventDB      string
	metricsAddr  string

	// test seams
	sleep   func(time.Duration)
	geteuid func() int
}

func newRootCommand() *cobra.Command {
	opts := cliOptions{
		pollInterval: 5 * time.Minute,
		maxDrain:     30 * time.Hour,
		eventDB:      "./drain_gear.db",
		sleep:        time.Sleep,
		geteuid:      os.Geteuid,
	}

	root := &cobra.Command{
		Use:           "drainctl",
		Short:         "Drain and reboot a parity-selected subset of a delivery group",
		Long:          "drainctl places the even- or odd-numbered session hosts of a delivery group\ninto maintenance mode, gives active users a grace period to log off, then\nrestarts each machine once idle or once the global drain budget expires.",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, &opts)
		},
	}

	flags := root.Flags()
	flags.StringVar(&opts.group, "group", "", "delivery group to drain (required)")
	flags.StringVar(&opts.parity, "parity", "", "machine name parity to select, EVEN or ODD (required)")
	flags.IntVar(&opts.drainTimer, "drain-timer", 0, "quiet grace period in minutes before polling begins (required)")
	flags.BoolVar(&opts.cloud, "cloud", false, "authenticate against the hosted control plane")
	flags.StringVar(&opts.customerID, "customer-id", "", "hosted control plane tenant id (required with --cloud)")
	flags.StringVar(&opts.brokerURL, "broker-url", "", "broker control plane base URL (required)")
	flags.DurationVar(&opts.pollInterval, "poll-interval", opts.pollInterval, "session poll and warning interval")
	flags.DurationVar(&opts.maxDrain, "max-drain", opts.maxDrain, "hard ceiling on total drain time before forced restarts")
	flags.StringVar(&opts.eventDB, "event-db", opts.eventDB, "path to the SQLite operational event log")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "listen address for Prometheus metrics during the run (optional)")

	for _, name := range []string{"group", "parity", "drain-timer", "broker-url"} {
		if err := cobra.MarkFlagRequired(flags, name); err != nil {
			panic(err)
		}
	}

	return root
}

// validate checks cross-flag constraints that cobra's required-flag
// machinery cannot express.
func validate(flags *pflag.FlagSet, opts *cliOptions) error {
	if opts.drainTimer < 0 {
		return fmt.Errorf("--drain-timer must be >= 0 minutes")
	}
	if opts.cloud && opts.customerID == "" {
		return fmt.Errorf("--customer-id is required with --cloud")
	}
	if !opts.cloud && flags.Changed("customer-id") {
		return fmt.Errorf("--customer-id is only valid with --cloud")
	}
	if opts.pollInterval <= 0 {
		return fmt.Errorf("--poll-interval must be positive")
	}
	return nil
}

var registerMetricsOnce sync.Once

// serveMetrics exposes /metrics for the duration of the run. Drains last
// hours, so a scrape target is worth having even for a one-shot command.
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())
	go func() {
		srv := &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("metrics server stopped", slog.String("error", err.Error()))
		}
	}()
}
