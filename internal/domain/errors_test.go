package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, ""},
		{"invalid order", fmt.Errorf("submit: %w", ErrInvalidOrder), CodeInvalidOrder},
		{"not found", ErrNotFound, CodeNotFound},
		{"already filled", ErrAlreadyFilled, CodeAlreadyFilled},
		{"wrong party", fmt.Errorf("%w: %w", ErrInvalidTransition, ErrNotCounterparty), CodeInvalidTransition},
		{"commit unknown", fmt.Errorf("pg: %w", ErrCommitUnknown), CodeConsistencyError},
		{"custody", fmt.Errorf("a: %w", fmt.Errorf("b: %w", ErrCustodyRejected)), CodeCustodyRejected},
		{"rate", ErrRateLimited, CodeRateLimited},
		{"unknown", errors.New("boom"), CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}
