// Package fleet defines the domain types shared by the hub's subsystems and
// exchanged with dashboards and node agents.
package fleet

import (
	"time"
)

// NodeName identifies a monitored node. Agents choose it in agent_hello.
type NodeName = string

// NodeState is the lifecycle state an agent reports for its node process.
type NodeState string

const (
	NodeStateStarting     NodeState = "starting"
	NodeStateRunning      NodeState = "running"
	NodeStateStopping     NodeState = "stopping"
	NodeStateStopped      NodeState = "stopped"
	NodeStateUpdating     NodeState = "updating"
	NodeStateError        NodeState = "error"
	NodeStateDisconnected NodeState = "disconnected"
)

// String returns the string representation of NodeState
func (s NodeState) String() string {
	return string(s)
}

// IsValid checks if the state is one agents may report
func (s NodeState) IsValid() bool {
	switch s {
	case NodeStateStarting, NodeStateRunning, NodeStateStopping, NodeStateStopped,
		NodeStateUpdating, NodeStateError, NodeStateDisconnected:
		return true
	default:
		return false
	}
}

// NodeStatus is a status snapshot pushed by an agent.
type NodeStatus struct {
	State           NodeState `json:"state"`
	Version         string    `json:"version,omitempty"`
	Address         string    `json:"address,omitempty"`
	Peers           []string  `json:"peers,omitempty"`
	BestBlockNumber uint64    `json:"bestBlockNumber,omitempty"`
}

// Equal reports whether two snapshots describe the same status.
func (s NodeStatus) Equal(o NodeStatus) bool {
	if s.State != o.State || s.Version != o.Version || s.Address != o.Address ||
		s.BestBlockNumber != o.BestBlockNumber || len(s.Peers) != len(o.Peers) {
		return false
	}
	for i := range s.Peers {
		if s.Peers[i] != o.Peers[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy that shares no slices with s.
func (s NodeStatus) Clone() NodeStatus {
	if s.Peers != nil {
		s.Peers = append([]string(nil), s.Peers...)
	}
	return s
}

// ClientState is the hub's live view of one node.
type ClientState struct {
	Name        NodeName   `json:"name"`
	Status      NodeStatus `json:"status"`
	ConnectedAt time.Time  `json:"connectedAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// StartOption is the environment and argument list a node was started with.
type StartOption struct {
	Env  string `json:"env" cbor:"1,keyasint"`
	Args string `json:"args" cbor:"2,keyasint"`
}

// UpdateRequest names the build an agent should update its node to.
type UpdateRequest struct {
	Source string `json:"source"`
	Commit string `json:"commit,omitempty"`
}

// ClientExtra is the durable per-node data kept across reconnects.
type ClientExtra struct {
	Name        NodeName    `json:"name"`
	StartOption StartOption `json:"startOption"`
	SavedAt     time.Time   `json:"savedAt"`
}

// NodeConnection is an edge between two known nodes that list each other
// (or one lists the other) as a peer.
type NodeConnection struct {
	NodeA NodeName `json:"nodeA"`
	NodeB NodeName `json:"nodeB"`
}

// LogLine is one log record produced by a node.
type LogLine struct {
	Timestamp  time.Time `json:"timestamp"`
	Level      string    `json:"level"`
	Target     string    `json:"target"`
	Message    string    `json:"message"`
	ThreadName string    `json:"threadName,omitempty"`
}

// Log is a stored log record.
type Log struct {
	ID       int64    `json:"id"`
	NodeName NodeName `json:"nodeName"`
	LogLine
}

// OrderBy selects log ordering.
type OrderBy string

const (
	OrderASC  OrderBy = "ASC"
	OrderDESC OrderBy = "DESC"
)

// LogQuery filters stored logs. Empty filters match everything.
type LogQuery struct {
	Filter  LogFilter `json:"filter"`
	Search  string    `json:"search,omitempty"`
	Time    TimeRange `json:"time"`
	OrderBy OrderBy   `json:"orderBy,omitempty"`
	Limit   int       `json:"limit,omitempty"`
}

// LogFilter restricts logs by node, level and target.
type LogFilter struct {
	NodeNames []NodeName `json:"nodeNames,omitempty"`
	Levels    []string   `json:"levels,omitempty"`
	Targets   []string   `json:"targets,omitempty"`
}

// TimeRange is a half-open [From, To) interval; zero bounds are open.
type TimeRange struct {
	From time.Time `json:"fromTime"`
	To   time.Time `json:"toTime"`
}

// Contains reports whether t lies in the range.
func (r TimeRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}

// NetworkUsage is the number of bytes a node sent to one peer over an interval.
type NetworkUsage struct {
	Timestamp time.Time `json:"timestamp"`
	Peer      string    `json:"peer"`
	Bytes     int64     `json:"bytes"`
}

// UsageQuery selects raw network-usage rows of one node.
type UsageQuery struct {
	Time  TimeRange `json:"time"`
	Limit int       `json:"limit,omitempty"`
}

// DefaultLogLimit caps log queries that do not set a limit.
const DefaultLogLimit = 100
