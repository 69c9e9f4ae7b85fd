package db

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/najoast/fleetdash/fleet"
)

// Store is the durable half of the persistence layer. Live node state is
// kept by the service actor; the Store holds what must survive a restart or
// grows without bound: start options, logs and network usage.
//
// The service actor is the only caller in production, but implementations
// must be safe for concurrent use so tests and jobs can read directly.
type Store interface {
	SaveStartOption(ctx context.Context, extra fleet.ClientExtra) error
	// ClientExtra returns nil, nil when nothing is stored for name.
	ClientExtra(ctx context.Context, name fleet.NodeName) (*fleet.ClientExtra, error)

	WriteLogs(ctx context.Context, name fleet.NodeName, lines []fleet.LogLine) error
	LogTargets(ctx context.Context) ([]string, error)
	Logs(ctx context.Context, query fleet.LogQuery) ([]fleet.Log, error)

	RecordNetworkUsage(ctx context.Context, name fleet.NodeName, usage []fleet.NetworkUsage) error
	NetworkUsage(ctx context.Context, name fleet.NodeName, query fleet.UsageQuery) ([]fleet.NetworkUsage, error)
	// PruneNetworkUsage deletes rows older than before and returns how many.
	PruneNetworkUsage(ctx context.Context, before time.Time) (int, error)

	Close() error
}

type usageRow struct {
	name fleet.NodeName
	fleet.NetworkUsage
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	extras map[fleet.NodeName]fleet.ClientExtra
	logs   []fleet.Log
	usage  []usageRow
	nextID int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{extras: make(map[fleet.NodeName]fleet.ClientExtra)}
}

func (m *MemoryStore) SaveStartOption(_ context.Context, extra fleet.ClientExtra) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.extras[extra.Name] = extra
	return nil
}

func (m *MemoryStore) ClientExtra(_ context.Context, name fleet.NodeName) (*fleet.ClientExtra, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	extra, ok := m.extras[name]
	if !ok {
		return nil, nil
	}
	return &extra, nil
}

func (m *MemoryStore) WriteLogs(_ context.Context, name fleet.NodeName, lines []fleet.LogLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, line := range lines {
		m.nextID++
		m.logs = append(m.logs, fleet.Log{ID: m.nextID, NodeName: name, LogLine: line})
	}
	return nil
}

func (m *MemoryStore) LogTargets(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, l := range m.logs {
		seen[l.Target] = struct{}{}
	}
	targets := make([]string, 0, len(seen))
	for target := range seen {
		targets = append(targets, target)
	}
	sort.Strings(targets)
	return targets, nil
}

func (m *MemoryStore) Logs(_ context.Context, query fleet.LogQuery) ([]fleet.Log, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	search := strings.ToLower(query.Search)
	out := []fleet.Log{}
	for _, l := range m.logs {
		if !matchesFilter(l, query.Filter) || !query.Time.Contains(l.Timestamp) {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(l.Message), search) {
			continue
		}
		out = append(out, l)
	}

	desc := query.OrderBy == fleet.OrderDESC
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			if desc {
				return a.Timestamp.After(b.Timestamp)
			}
			return a.Timestamp.Before(b.Timestamp)
		}
		if desc {
			return a.ID > b.ID
		}
		return a.ID < b.ID
	})

	if limit := logLimit(query.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matchesFilter(l fleet.Log, f fleet.LogFilter) bool {
	if len(f.NodeNames) > 0 && !contains(f.NodeNames, l.NodeName) {
		return false
	}
	if len(f.Levels) > 0 && !containsFold(f.Levels, l.Level) {
		return false
	}
	if len(f.Targets) > 0 && !contains(f.Targets, l.Target) {
		return false
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func logLimit(limit int) int {
	if limit <= 0 {
		return fleet.DefaultLogLimit
	}
	return limit
}

func (m *MemoryStore) RecordNetworkUsage(_ context.Context, name fleet.NodeName, usage []fleet.NetworkUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range usage {
		m.usage = append(m.usage, usageRow{name: name, NetworkUsage: u})
	}
	return nil
}

func (m *MemoryStore) NetworkUsage(_ context.Context, name fleet.NodeName, query fleet.UsageQuery) ([]fleet.NetworkUsage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []fleet.NetworkUsage{}
	for _, row := range m.usage {
		if row.name == name && query.Time.Contains(row.Timestamp) {
			out = append(out, row.NetworkUsage)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

func (m *MemoryStore) PruneNetworkUsage(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.usage[:0]
	for _, row := range m.usage {
		if !row.Timestamp.Before(before) {
			kept = append(kept, row)
		}
	}
	removed := len(m.usage) - len(kept)
	m.usage = kept
	return removed, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
