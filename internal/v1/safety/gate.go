// Package safety guards the socket write path: it classifies outbound
// frames, decides what a saturated socket may still receive, and meters
// inbound traffic per socket.
package safety

import (
	"github.com/relaychat/server/internal/v1/protocol"
)

// FrameClass orders outbound frames by how expendable they are under
// backpressure.
type FrameClass int

const (
	// ClassCritical frames (ACKs, errors, lifecycle notices) are always
	// enqueued, even past the soft threshold.
	ClassCritical FrameClass = iota
	// ClassMessage frames carry user content; failing one must surface a
	// FAILED_BACKPRESSURE state to the sender.
	ClassMessage
	// ClassNoise frames (typing, presence churn) are droppable without
	// telling anyone.
	ClassNoise
)

// Classify buckets an outbound frame type.
func Classify(t protocol.FrameType) FrameClass {
	switch t {
	case protocol.TypeTypingStartOut, protocol.TypeTypingStopOut,
		protocol.TypePresenceUpdate, protocol.TypeRoomDeliveryUpdate:
		return ClassNoise
	case protocol.TypeMessageReceive, protocol.TypeRoomMessageOut:
		return ClassMessage
	default:
		return ClassCritical
	}
}

// Decision is the gate's verdict for one outbound frame.
type Decision int

const (
	// Allow enqueues the frame.
	Allow Decision = iota
	// Drop discards the frame silently.
	Drop
	// Fail discards the frame and reports delivery failure upstream.
	Fail
	// Overflow means the hard queue cap is hit; the caller counts these
	// and closes the socket once the overflow budget is spent.
	Overflow
)

// Gate applies the backpressure policy for one socket's outbound queue.
type Gate struct {
	warnPending int
	maxPending  int
	maxBuffered int64
}

// NewGate builds a gate with the given soft threshold, hard queue cap,
// and buffered-bytes ceiling.
func NewGate(warnPending, maxPending int, maxBuffered int64) *Gate {
	return &Gate{warnPending: warnPending, maxPending: maxPending, maxBuffered: maxBuffered}
}

// Admit decides what to do with a frame of the given class when the
// socket already has pending frames queued and buffered bytes unflushed.
func (g *Gate) Admit(class FrameClass, pending int, buffered int64) Decision {
	if pending >= g.maxPending {
		switch class {
		case ClassNoise:
			return Drop
		case ClassMessage:
			return Fail
		default:
			return Overflow
		}
	}

	saturated := pending >= g.warnPending || buffered >= g.maxBuffered
	if !saturated {
		return Allow
	}
	switch class {
	case ClassNoise:
		return Drop
	case ClassMessage:
		return Fail
	default:
		return Allow
	}
}

// Saturated reports whether the soft threshold is crossed.
func (g *Gate) Saturated(pending int, buffered int64) bool {
	return pending >= g.warnPending || buffered >= g.maxBuffered
}
