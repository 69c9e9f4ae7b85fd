package cron

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/najoast/fleetdash/db"
	"github.com/najoast/fleetdash/fleet"
	"github.com/najoast/fleetdash/noti"
)

// DailyReport sends a summary of every known node's state.
type DailyReport struct {
	DB       db.Service
	Notifier noti.Notifier
	Title    string
}

// Name implements Job.
func (DailyReport) Name() string { return "daily-report" }

// Run implements Job.
func (r DailyReport) Run(ctx context.Context) error {
	// Scheduler goroutine, not an actor; the db actor never asks back.
	states, err := r.DB.GetClientsState(ctx)
	if err != nil {
		return fmt.Errorf("daily report: %w", err)
	}
	r.Notifier.Notify(Summarize(r.Title, states))
	return nil
}

// Summarize renders the report text: a headline with per-state counts and
// one line per node that is not running.
func Summarize(title string, states []fleet.ClientState) string {
	if title == "" {
		title = "Daily report"
	}
	counts := make(map[fleet.NodeState]int)
	var unhealthy []string
	for _, st := range states {
		counts[st.Status.State]++
		if st.Status.State != fleet.NodeStateRunning {
			unhealthy = append(unhealthy, fmt.Sprintf("- %s: %s", st.Name, st.Status.State))
		}
	}

	kinds := make([]string, 0, len(counts))
	for state, n := range counts {
		kinds = append(kinds, fmt.Sprintf("%d %s", n, state))
	}
	sort.Strings(kinds)
	sort.Strings(unhealthy)

	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d nodes", title, len(states))
	if len(kinds) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(kinds, ", "))
	}
	for _, line := range unhealthy {
		b.WriteString("\n")
		b.WriteString(line)
	}
	return b.String()
}

// UsageRetention drops network-usage rows older than Retention.
type UsageRetention struct {
	DB        db.Service
	Retention time.Duration
	Now       func() time.Time
}

// Name implements Job.
func (UsageRetention) Name() string { return "usage-retention" }

// Run implements Job. The prune is sent, not awaited; the persistence
// actor logs how many rows it removed.
func (u UsageRetention) Run(context.Context) error {
	now := time.Now
	if u.Now != nil {
		now = u.Now
	}
	return u.DB.PruneNetworkUsage(now().Add(-u.Retention))
}
