package model

import "time"

// KeyLength is the fixed byte length of every public key the relay
// stores. Key material is opaque to the relay; the length check is the
// only validation performed.
const KeyLength = 32

type (
	Account struct {
		ID        string    `bson:"_id" json:"id"`
		Handle    string    `bson:"handle" json:"handle"`
		CreatedAt time.Time `bson:"created_at" json:"created_at"`
	}

	Device struct {
		ID          string    `bson:"_id" json:"id"`
		AccountID   string    `bson:"account_id" json:"account_id"`
		DisplayName string    `bson:"display_name,omitempty" json:"display_name,omitempty"`
		LastSeen    time.Time `bson:"last_seen" json:"last_seen"`
	}
)
