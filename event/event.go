// Package event defines the state-change notifications the persistence
// layer emits and the propagator that forwards them to the dashboard
// gateway.
package event

import (
	"time"

	"github.com/najoast/fleetdash/fleet"
)

// Event is one of the closed set of notifications below. Events are
// immutable snapshots; receivers must not modify them.
type Event interface {
	// Method is the JSON-RPC notification method dashboards receive.
	Method() string

	isEvent()
}

// NodeConnected is emitted when an agent completes its hello.
type NodeConnected struct {
	Name        fleet.NodeName `json:"name"`
	Address     string         `json:"address"`
	Version     string         `json:"version"`
	ConnectedAt time.Time      `json:"connectedAt"`
}

// NodeDisconnected is emitted when an agent's socket goes away.
type NodeDisconnected struct {
	Name fleet.NodeName `json:"name"`
}

// NodeStatusChanged is emitted when a reported status differs from the
// stored one.
type NodeStatusChanged struct {
	Name   fleet.NodeName   `json:"name"`
	Status fleet.NodeStatus `json:"status"`
}

// LogsAppended carries the log lines just stored for a node.
type LogsAppended struct {
	Name fleet.NodeName  `json:"name"`
	Logs []fleet.LogLine `json:"logs"`
}

// NetworkUsageRecorded carries network-usage samples just stored for a node.
type NetworkUsageRecorded struct {
	Name  fleet.NodeName       `json:"name"`
	Usage []fleet.NetworkUsage `json:"usage"`
}

func (NodeConnected) Method() string        { return "dashboard_nodeConnected" }
func (NodeDisconnected) Method() string     { return "dashboard_nodeDisconnected" }
func (NodeStatusChanged) Method() string    { return "node_statusChanged" }
func (LogsAppended) Method() string         { return "log_appended" }
func (NetworkUsageRecorded) Method() string { return "node_networkUsageRecorded" }

func (NodeConnected) isEvent()        {}
func (NodeDisconnected) isEvent()     {}
func (NodeStatusChanged) isEvent()    {}
func (LogsAppended) isEvent()         {}
func (NetworkUsageRecorded) isEvent() {}

// Subscriber receives events. Publish must not block on downstream work.
type Subscriber interface {
	Publish(ev Event)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ev Event)

// Publish calls f(ev).
func (f SubscriberFunc) Publish(ev Event) {
	f(ev)
}

// Discard drops every event.
var Discard Subscriber = SubscriberFunc(func(Event) {})
