package model

import "time"

// Wire frames exchanged over an authenticated websocket connection.
// Ciphertext travels base64-encoded inside JSON text frames.

type (
	InboundFrame struct {
		To          string `json:"to"`
		Ciphertext  []byte `json:"ciphertext"`
		ContentType string `json:"contentType"`
		ClientMsgID string `json:"clientMsgId,omitempty"`
	}

	DeliveredFrame struct {
		ID          string `json:"id"`
		From        string `json:"from"`
		To          string `json:"to"`
		Ciphertext  []byte `json:"ciphertext"`
		ContentType string `json:"contentType"`
	}

	AckFrame struct {
		Type        string    `json:"type"` // always "delivered"
		ID          string    `json:"id"`
		To          string    `json:"to"`
		Mode        string    `json:"mode"` // "direct" or "queued"
		At          time.Time `json:"at"`
		ClientMsgID *string   `json:"clientMsgId"`
	}

	ErrorFrame struct {
		Type    string `json:"type"` // always "error"
		Code    string `json:"code"`
		Message string `json:"message"`
	}
)

const (
	ModeDirect = "direct"
	ModeQueued = "queued"
)
