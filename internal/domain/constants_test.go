package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/diagramflow/core/internal/domain"
)

func TestRateLimiterScopeIsValid(t *testing.T) {
	tests := []struct {
		name  string
		scope domain.RateLimiterScope
		want  bool
	}{
		{"process is valid", domain.ScopeProcess, true},
		{"global is valid", domain.ScopeGlobal, true},
		{"empty is invalid", "", false},
		{"unknown is invalid", "regional", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.scope.IsValid())
		})
	}
}
