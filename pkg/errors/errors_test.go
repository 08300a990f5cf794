package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"rate limited", RateLimited("too fast"), CodeRateLimit},
		{"unknown recipient", UnknownRecipient("nobody"), CodeUnknownRecipient},
		{"wrapped cause", StoreUnavailable("persist", fmt.Errorf("timeout")), CodeStoreUnavailable},
		{"nested in stdlib wrap", fmt.Errorf("outer: %w", Unauthorized("bad token")), CodeUnauthorized},
		{"plain error", fmt.Errorf("boom"), CodeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := StoreUnavailable("persisting envelope", cause)

	assert.Equal(t, "persisting envelope: connection refused", err.Error())

	var app *AppError
	assert.ErrorAs(t, err, &app)
	assert.Equal(t, cause, app.Unwrap())
}
