package retrypolicy_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/imageintact/backupcore/internal/retrypolicy"
)

func Test_Unit_Classify_WrapsErrorWithKind(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")
	err := retrypolicy.Classify(retrypolicy.KindTimeout, base)

	require.Error(t, err)
	require.Equal(t, retrypolicy.KindTimeout, retrypolicy.KindOf(err))
	require.ErrorIs(t, err, base)
}

func Test_Unit_Classify_NilError_ReturnsNil(t *testing.T) {
	t.Parallel()

	require.NoError(t, retrypolicy.Classify(retrypolicy.KindTimeout, nil))
}

func Test_Unit_IsSafeToRetry_TransientKinds_True(t *testing.T) {
	t.Parallel()

	err := retrypolicy.Classify(retrypolicy.KindNetworkUnavailable, errors.New("down"))
	require.True(t, retrypolicy.IsSafeToRetry(err))
}

func Test_Unit_IsSafeToRetry_PermanentKinds_False(t *testing.T) {
	t.Parallel()

	err := retrypolicy.Classify(retrypolicy.KindChecksumMismatch, errors.New("mismatch"))
	require.False(t, retrypolicy.IsSafeToRetry(err))
}

func Test_Unit_Execute_PermanentError_NoRetry(t *testing.T) {
	t.Parallel()

	attempts := 0

	_, err := retrypolicy.Execute(t.Context(), "op", 3, func(context.Context) (int, error) {
		attempts++

		return 0, retrypolicy.Classify(retrypolicy.KindChecksumMismatch, errors.New("mismatch"))
	})

	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func Test_Unit_Execute_TransientThenSuccess_Retries(t *testing.T) {
	t.Parallel()

	attempts := 0

	val, err := retrypolicy.Execute(t.Context(), "op", 3, func(context.Context) (int, error) {
		attempts++
		if attempts < 2 {
			return 0, retrypolicy.Classify(retrypolicy.KindTimeout, errors.New("slow"))
		}

		return 42, nil
	})

	require.NoError(t, err)
	require.Equal(t, 42, val)
	require.Equal(t, 2, attempts)
}

func Test_Unit_Execute_ExhaustsMaxAttempts_ReturnsError(t *testing.T) {
	t.Parallel()

	attempts := 0

	_, err := retrypolicy.Execute(t.Context(), "op", 2, func(context.Context) (int, error) {
		attempts++

		return 0, retrypolicy.Classify(retrypolicy.KindTimeout, errors.New("slow"))
	})

	require.Error(t, err)
	require.Equal(t, 2, attempts)
}
