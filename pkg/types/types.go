// Package types defines the domain model shared across drawerd packages.
package types

import (
	"time"
)

// JobID is the opaque identifier of a queued drawer-open job.
type JobID string

// JobTypeCashDrawer is the type discriminator of drawer-open rows in the queue table.
const JobTypeCashDrawer = "cash_drawer"

// DrawerJob is a row of the external job queue.
// The controller only reads pending rows and sets PrintedAt when it claims them.
type DrawerJob struct {
	ID        JobID      `json:"id"`         // opaque row identifier
	Type      string     `json:"type"`       // type discriminator, "cash_drawer"
	CreatedAt time.Time  `json:"created_at"` // set by the POS checkout flow
	PrintedAt *time.Time `json:"printed_at"` // nil while the job is unclaimed
}

// Claimed reports whether the job has already been marked processed.
func (j DrawerJob) Claimed() bool {
	return j.PrintedAt != nil
}

// ConnState is the lifecycle state of the persistent serial connection.
type ConnState int

const (
	StateDisconnected ConnState = iota // initial state, also after Close
	StateConnecting                    // an open attempt is in progress
	StateOpen                          // port is open and writable
	StateError                         // open failed or the link dropped; a reconnect is scheduled
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Pin selects which drawer-kick connector pin the ESC/POS pulse is sent to.
type Pin byte

const (
	Pin0 Pin = 0 // connector pin 2, the usual wiring
	Pin1 Pin = 1 // connector pin 5
)

func (p Pin) String() string {
	if p == Pin1 {
		return "PIN1"
	}
	return "PIN0"
}

// KickCommand returns the ESC p m t1 t2 pulse for the given pin
// (on time 0x19, off time 0xfa, in units of 2ms).
func KickCommand(pin Pin) []byte {
	return []byte{0x1b, 0x70, byte(pin), 0x19, 0xfa}
}

// DeliveryPath identifies how a command reached the device.
type DeliveryPath string

const (
	PathNone       DeliveryPath = ""
	PathPersistent DeliveryPath = "persistent"
	PathSpooler    DeliveryPath = "spooler"
	PathOneShot    DeliveryPath = "oneshot"
)
