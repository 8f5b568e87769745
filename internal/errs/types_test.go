package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInvalidInputError_UnwrapsToSentinel(t *testing.T) {
	err := Invalid("salt", "must be 16 bytes")
	require.ErrorIs(t, err, ErrInvalidInput)
	require.Equal(t, "invalid input: salt: must be 16 bytes", err.Error())

	var ie *InvalidInputError
	require.True(t, errors.As(error(err), &ie))
	require.Equal(t, "salt", ie.Field)

	require.Equal(t, "invalid input: empty", (&InvalidInputError{Reason: "empty"}).Error())
}

func TestPartialFailure_JoinsModules(t *testing.T) {
	boom := errors.New("boom")
	pf := &PartialFailure{Failures: []ModuleFailure{
		{Module: "todos", Err: boom},
		{Module: "reading", Err: ErrNotFound},
	}}
	require.ErrorIs(t, pf, boom)
	require.ErrorIs(t, pf, ErrNotFound)
	require.Contains(t, pf.Error(), "todos: boom")
	require.Contains(t, pf.Error(), "reading: not found")
}
