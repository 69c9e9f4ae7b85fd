// Package core implements the mailbox actor runtime used by every fleetdash
// subsystem.
//
// An Actor is a goroutine that exclusively owns its state and drains an
// unbounded FIFO mailbox one message at a time. Other code reaches it only
// through a Handle, a copyable mailbox reference. Ask layers a blocking
// request/reply on top of Send by carrying a single-use Reply inside the
// message; replies the Actor still owes when it terminates are failed with
// ErrActorGone so no caller is left waiting.
package core
