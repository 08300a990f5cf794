package model

import "time"

type (
	// KeyBundle holds the long-lived public keys of one device. The relay
	// never interprets the bytes.
	KeyBundle struct {
		DeviceID     string    `bson:"_id" json:"device_id"`
		IdentityKey  []byte    `bson:"identity_key" json:"identity_key"`
		SignedPrekey []byte    `bson:"signed_prekey" json:"signed_prekey"`
		UpdatedAt    time.Time `bson:"updated_at" json:"updated_at"`
	}

	// OneTimePrekey is consumable: handed out at most once, never reused.
	OneTimePrekey struct {
		ID        string    `bson:"_id" json:"id"`
		DeviceID  string    `bson:"device_id" json:"device_id"`
		Key       []byte    `bson:"key" json:"key"`
		Used      bool      `bson:"used" json:"used"`
		CreatedAt time.Time `bson:"created_at" json:"created_at"`
	}

	// PrekeyBundle is what a sender fetches to address key-exchange
	// material to a device. OneTimeKey is nil when the pool is exhausted.
	PrekeyBundle struct {
		IdentityKey  []byte `json:"identity_key"`
		SignedPrekey []byte `json:"signed_prekey"`
		OneTimeKey   []byte `json:"one_time_key,omitempty"`
	}
)
