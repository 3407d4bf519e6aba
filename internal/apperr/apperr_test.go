package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	base := errors.New("boom")

	v := fmt.Errorf("commit: %w", Validation(ReasonUnknownItem, "item %q", "Cake"))
	x := fmt.Errorf("apply: %w", &ExternalServiceError{ExpenseID: "42", Err: base})
	c := fmt.Errorf("apply: %w", &CriticalInconsistencyError{ExpenseID: "42", Err: base})

	assert.True(t, IsValidation(v))
	assert.False(t, IsValidation(x))
	assert.Equal(t, ReasonUnknownItem, ReasonOf(v))
	assert.Equal(t, Reason(""), ReasonOf(c))

	assert.True(t, IsExternal(x))
	assert.False(t, IsExternal(c))
	assert.ErrorIs(t, x, base)

	assert.True(t, IsCritical(c))
	assert.Contains(t, c.Error(), "requires manual reconciliation")
}
