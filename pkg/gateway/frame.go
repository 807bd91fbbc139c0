package gateway

import "encoding/json"

// InboundFrame is the JSON shape of every client→server frame (spec.md §6).
// Not every field is populated for every type: subscribe/unsubscribe carry
// Subject, publish carries Subject and Data, heartbeat carries an optional
// Data.
type InboundFrame struct {
	Type    string          `json:"type"`
	Subject string          `json:"subject,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// OutboundFrame is the JSON shape of every server→client frame. Unused
// fields are omitted so each frame type reads with only its own vocabulary.
type OutboundFrame struct {
	Type string `json:"type"`

	// welcome
	PrincipalID        string   `json:"principal_id,omitempty"`
	NodeID             string   `json:"node_id,omitempty"`
	SubscribedSubjects []string `json:"subscribed_subjects,omitempty"`

	// subscribed / unsubscribed / published / message
	Subject string          `json:"subject,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Kind    string `json:"kind,omitempty"`
	// ResetInS accompanies a quota_exceeded error frame.
	ResetInS int64 `json:"reset_in_s,omitempty"`

	Timestamp string `json:"timestamp,omitempty"`
}

func welcomeFrame(principalID, nodeID string, subscribed []string) OutboundFrame {
	return OutboundFrame{Type: "welcome", PrincipalID: principalID, NodeID: nodeID, SubscribedSubjects: subscribed}
}

func subscribedFrame(subject string) OutboundFrame {
	return OutboundFrame{Type: "subscribed", Subject: subject}
}

func unsubscribedFrame(subject string) OutboundFrame {
	return OutboundFrame{Type: "unsubscribed", Subject: subject}
}

func publishedFrame(subject string) OutboundFrame {
	return OutboundFrame{Type: "published", Subject: subject}
}

func heartbeatAckFrame(ts string) OutboundFrame {
	return OutboundFrame{Type: "heartbeat_ack", Timestamp: ts}
}

func pongFrame() OutboundFrame {
	return OutboundFrame{Type: "pong"}
}

func errorFrame(code, message string) OutboundFrame {
	return OutboundFrame{Type: "error", Code: code, Message: message}
}

func quotaErrorFrame(kind, message string, resetInS int64) OutboundFrame {
	return OutboundFrame{Type: "error", Code: "quota_exceeded", Message: message, Kind: kind, ResetInS: resetInS}
}
