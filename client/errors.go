package client

import (
	"errors"
	"fmt"

	"github.com/najoast/fleetdash/rpc"
)

// Client errors
var (
	// ErrNodeNotFound is returned when no live agent uses the name.
	ErrNodeNotFound = errors.New("node not connected")

	// ErrDuplicateNode is returned when a second agent says hello with a
	// name that is already live.
	ErrDuplicateNode = errors.New("node name already connected")

	// ErrNotHello is returned for agent calls made before agent_hello.
	ErrNotHello = errors.New("agent_hello required")
)

// NodeError is an error response an agent returned for a hub call.
type NodeError struct {
	Node    string
	Method  string
	Code    rpc.ErrorCode
	Message string
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %s failed: %s (%d)", e.Node, e.Method, e.Message, int(e.Code))
}
