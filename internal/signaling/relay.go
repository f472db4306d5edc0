// Package signaling relays opaque WebRTC call-setup payloads between
// connections. Nothing is stored between signals.
package signaling

import (
	"encoding/json"

	"huddle/pkg/interfaces"
	"huddle/pkg/types"
)

type Relay struct {
	broadcaster interfaces.Broadcaster
}

func New(broadcaster interfaces.Broadcaster) *Relay {
	return &Relay{broadcaster: broadcaster}
}

// Offer sends the offer to every other connection.
func (r *Relay) Offer(from string, offer json.RawMessage) {
	r.broadcaster.EmitGlobal(types.EventCallMade, types.CallMade{Offer: opaque(offer), From: from}, from)
}

// Answer delivers the answer to one connection and reports whether it
// was found.
func (r *Relay) Answer(from, to string, answer json.RawMessage) bool {
	if to == "" {
		return false
	}
	return r.broadcaster.EmitTo(to, types.EventAnswerMade, types.AnswerMade{From: from, Answer: opaque(answer)})
}

// Candidate delivers an ICE candidate to one connection.
func (r *Relay) Candidate(from, to string, candidate json.RawMessage) bool {
	if to == "" {
		return false
	}
	return r.broadcaster.EmitTo(to, types.EventIceCandidate, types.IceCandidateRelay{Candidate: opaque(candidate), From: from})
}

// HangUp tells every other connection the caller left.
func (r *Relay) HangUp(from string) {
	r.broadcaster.EmitGlobal(types.EventCallEnded, types.CallEnded{From: from}, from)
}

// opaque keeps absent payloads encodable as null.
func opaque(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
