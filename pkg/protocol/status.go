package protocol

import "fmt"

// ServerStatus is the status a data server advertises to the topology
type ServerStatus uint8

const (
	StatusInvalid ServerStatus = iota
	StatusNotConnected
	StatusNormal
	StatusDegraded
	StatusFullUpdate
	StatusBadGenID
)

// String returns a readable status name
func (s ServerStatus) String() string {
	switch s {
	case StatusNotConnected:
		return "NOT_CONNECTED"
	case StatusNormal:
		return "NORMAL"
	case StatusDegraded:
		return "DEGRADED"
	case StatusFullUpdate:
		return "FULL_UPDATE"
	case StatusBadGenID:
		return "BAD_GEN_ID"
	default:
		return "INVALID"
	}
}

// StatusEvent requests a status transition
type StatusEvent uint8

const (
	EventToNotConnected StatusEvent = iota + 1
	EventToNormal
	EventToDegraded
	EventToFullUpdate
	EventToBadGenID
)

// String returns a readable event name
func (e StatusEvent) String() string {
	switch e {
	case EventToNotConnected:
		return "TO_NOT_CONNECTED"
	case EventToNormal:
		return "TO_NORMAL"
	case EventToDegraded:
		return "TO_DEGRADED"
	case EventToFullUpdate:
		return "TO_FULL_UPDATE"
	case EventToBadGenID:
		return "TO_BAD_GEN_ID"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(e))
	}
}

// EventForStatus returns the event leading to status.
func EventForStatus(status ServerStatus) (StatusEvent, bool) {
	switch status {
	case StatusNotConnected:
		return EventToNotConnected, true
	case StatusNormal:
		return EventToNormal, true
	case StatusDegraded:
		return EventToDegraded, true
	case StatusFullUpdate:
		return EventToFullUpdate, true
	case StatusBadGenID:
		return EventToBadGenID, true
	}
	return 0, false
}

// transitions lists, per status, the statuses reachable from it.
var transitions = map[ServerStatus][]ServerStatus{
	StatusInvalid:      {StatusNotConnected, StatusNormal, StatusDegraded, StatusBadGenID},
	StatusNotConnected: {StatusNotConnected, StatusNormal, StatusDegraded, StatusBadGenID},
	StatusNormal:       {StatusNotConnected, StatusNormal, StatusDegraded, StatusFullUpdate, StatusBadGenID},
	StatusDegraded:     {StatusNotConnected, StatusNormal, StatusDegraded, StatusFullUpdate, StatusBadGenID},
	StatusFullUpdate:   {StatusNotConnected, StatusFullUpdate},
	StatusBadGenID:     {StatusNotConnected, StatusFullUpdate, StatusBadGenID},
}

var eventTargets = map[StatusEvent]ServerStatus{
	EventToNotConnected: StatusNotConnected,
	EventToNormal:       StatusNormal,
	EventToDegraded:     StatusDegraded,
	EventToFullUpdate:   StatusFullUpdate,
	EventToBadGenID:     StatusBadGenID,
}

// ComputeNewStatus returns the status reached by applying event to current.
func ComputeNewStatus(current ServerStatus, event StatusEvent) (ServerStatus, error) {
	target, ok := eventTargets[event]
	if !ok {
		return StatusInvalid, fmt.Errorf("%w: %s", ErrInvalidStatusEvent, event)
	}
	for _, allowed := range transitions[current] {
		if allowed == target {
			return target, nil
		}
	}
	return StatusInvalid, fmt.Errorf("%w: %s from %s", ErrInvalidStatusEvent, event, current)
}
