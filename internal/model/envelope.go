package model

import "time"

// Envelope is one opaque ciphertext message unit in transit through the
// relay. RecipientDevice is empty when the envelope is deliverable to any
// of the recipient account's devices. An envelope exists in the store only
// while pending: delivery and expiry both delete it.
type Envelope struct {
	ID               string    `bson:"_id" json:"id"`
	SenderDevice     string    `bson:"sender_device" json:"sender_device"`
	RecipientAccount string    `bson:"recipient_account" json:"recipient_account"`
	RecipientDevice  string    `bson:"recipient_device,omitempty" json:"recipient_device,omitempty"`
	Ciphertext       []byte    `bson:"ciphertext" json:"ciphertext"`
	ContentType      string    `bson:"content_type" json:"content_type"`
	ClientMsgID      string    `bson:"client_msg_id,omitempty" json:"client_msg_id,omitempty"`
	CreatedAt        time.Time `bson:"created_at" json:"created_at"`
	ExpiresAt        time.Time `bson:"expires_at" json:"expires_at"`
}
