package metering_test

import (
	"errors"
	"fmt"
	"testing"

	metering "github.com/resumly/metering"
)

func TestErrorClassifiers(t *testing.T) {
	wrap := func(err error) error { return fmt.Errorf("store: %w", err) }

	tests := []struct {
		name string
		fn   func(error) bool
		err  error
		want bool
	}{
		{"not found direct", metering.IsNotFound, metering.ErrEntitlementNotFound, true},
		{"not found generic", metering.IsNotFound, metering.ErrNotFound, true},
		{"not found wrapped", metering.IsNotFound, wrap(metering.ErrEntitlementNotFound), true},
		{"not found nil", metering.IsNotFound, nil, false},
		{"not found other", metering.IsNotFound, errors.New("boom"), false},

		{"quota direct", metering.IsQuotaError, metering.ErrQuotaExhausted, true},
		{"quota wrapped", metering.IsQuotaError, wrap(metering.ErrQuotaExhausted), true},
		{"quota nil", metering.IsQuotaError, nil, false},

		{"duplicate direct", metering.IsDuplicate, metering.ErrDuplicateEvent, true},
		{"duplicate wrapped", metering.IsDuplicate, wrap(metering.ErrDuplicateEvent), true},
		{"duplicate other", metering.IsDuplicate, metering.ErrEmptyEventID, false},

		{"retryable transaction", metering.IsRetryable, wrap(metering.ErrTransactionFailed), true},
		{"retryable buffer", metering.IsRetryable, metering.ErrUsageBufferFull, true},
		{"retryable not for dup", metering.IsRetryable, metering.ErrDuplicateEvent, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fn(tt.err); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
