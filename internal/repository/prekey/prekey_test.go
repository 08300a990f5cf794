package prekey

import (
	"bytes"
	"context"
	"testing"

	"e2e_relay/internal/model"
	apperr "e2e_relay/pkg/errors"

	"github.com/stretchr/testify/assert"
)

// Key-length validation runs before any collection access, so a zero
// Repo exercises it without a running store.

func TestRegisterRejectsInvalidKeyLengths(t *testing.T) {
	good := bytes.Repeat([]byte{1}, model.KeyLength)
	short := bytes.Repeat([]byte{1}, 16)
	long := bytes.Repeat([]byte{1}, model.KeyLength+1)

	tests := []struct {
		name     string
		identity []byte
		signed   []byte
		oneTime  [][]byte
	}{
		{"short identity key", short, good, nil},
		{"long identity key", long, good, nil},
		{"nil identity key", nil, good, nil},
		{"short signed prekey", good, short, nil},
		{"nil signed prekey", good, nil, nil},
		{"short one-time prekey", good, good, [][]byte{good, short}},
		{"empty one-time prekey", good, good, [][]byte{{}}},
	}

	r := &Repo{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Register(context.Background(), "dev-1", tt.identity, tt.signed, tt.oneTime)
			assert.Equal(t, apperr.CodeInvalidKeyLength, apperr.CodeOf(err))
		})
	}
}
