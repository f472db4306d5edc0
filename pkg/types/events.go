package types

import "encoding/json"

// Client -> server event names.
const (
	EventJoin          = "join"
	EventSwitchMode    = "switch-mode"
	EventChatMessage   = "chat message"
	EventTyping        = "typing"
	EventStopTyping    = "stop-typing"
	EventReact         = "react"
	EventEditMessage   = "edit-message"
	EventUnsendMessage = "unsend-message"
	EventCallOffer     = "call-offer"
	EventCallAnswer    = "call-answer"
	EventIceCandidate  = "ice-candidate"
	EventHangUp        = "hang-up"
)

// Server -> client event names. "chat message" and "ice-candidate" are
// shared with the inbound set.
const (
	EventAuthSuccess    = "auth-success"
	EventAuthFail       = "auth-fail"
	EventLoadHistory    = "load-history"
	EventPresenceUpdate = "presence-update"
	EventDisplayTyping  = "display-typing"
	EventHideTyping     = "hide-typing"
	EventUpdateReaction = "update-reaction"
	EventMessageEdited  = "message-edited"
	EventMessageUnsent  = "message-unsent"
	EventCallMade       = "call-made"
	EventAnswerMade     = "answer-made"
	EventCallEnded      = "call-ended"
)

// Envelope is the JSON frame carried by every websocket text message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the envelope payload into v. An absent payload leaves v
// untouched.
func (e *Envelope) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

type JoinRequest struct {
	Code     string `json:"code"`
	Username string `json:"username"`
}

type SwitchModeRequest struct {
	Mode string `json:"mode"`
}

type ChatRequest struct {
	Text     string `json:"text"`
	FileName string `json:"fileName,omitempty"`
	Type     Kind   `json:"type,omitempty"`
	IsTemp   bool   `json:"isTemp,omitempty"`
}

type ReactRequest struct {
	MessageID string `json:"messageId"`
	Reaction  string `json:"reaction"`
}

type EditRequest struct {
	MessageID string `json:"messageId"`
	NewText   string `json:"newText"`
}

type UnsendRequest struct {
	MessageID string `json:"messageId"`
}

type CallOfferRequest struct {
	Offer json.RawMessage `json:"offer"`
}

type CallAnswerRequest struct {
	To     string          `json:"to"`
	Answer json.RawMessage `json:"answer"`
}

type IceCandidateRequest struct {
	To        string          `json:"to"`
	Candidate json.RawMessage `json:"candidate"`
}

type TypingNotice struct {
	Username string `json:"username"`
}

type ReactionUpdate struct {
	MessageID string    `json:"messageId"`
	Reactions Reactions `json:"reactions"`
}

type MessageEdit struct {
	MessageID string `json:"messageId"`
	NewText   string `json:"newText"`
}

type MessageUnsent struct {
	MessageID string `json:"messageId"`
}

type CallMade struct {
	Offer json.RawMessage `json:"offer"`
	From  string          `json:"from"`
}

type AnswerMade struct {
	From   string          `json:"from"`
	Answer json.RawMessage `json:"answer"`
}

type IceCandidateRelay struct {
	Candidate json.RawMessage `json:"candidate"`
	From      string          `json:"from"`
}

type CallEnded struct {
	From string `json:"from"`
}
