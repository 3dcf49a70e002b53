package serrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEBuildsStructuredError(t *testing.T) {
	const op = Op("digits.Manager.SetPlan")
	err := E(op, KindValidation, "plan has no steps")
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Contains(t, err.Error(), "digits.Manager.SetPlan")
	assert.Contains(t, err.Error(), "plan has no steps")
}

func TestWrappedKindPropagates(t *testing.T) {
	inner := E(Op("store.Reserve"), Unavailable, "connection refused")
	outer := E(Op("executor.Execute"), inner)
	assert.Equal(t, KindUnavailable, KindOf(outer))

	var se *Error
	require.True(t, errors.As(outer, &se))
	assert.Equal(t, Op("executor.Execute"), se.Op)
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, KindUnspecified, KindOf(nil))
}

func TestIs(t *testing.T) {
	err := E(Op("x"), Timeout, "deadline")
	assert.True(t, Is(err, Timeout))
	assert.False(t, Is(err, Validation))
}
