package sigerr

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapIONilIsNil(t *testing.T) {
	require.NoError(t, WrapIO("open", nil))
}

func TestWrapIOWrapsAsSigningError(t *testing.T) {
	err := WrapIO("open", io.ErrUnexpectedEOF)
	var se *SigningError
	require.ErrorAs(t, err, &se)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestFromContextNilWhenNotCancelled(t *testing.T) {
	require.NoError(t, FromContext(context.Background()))
}

func TestFromContextWrapsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := FromContext(ctx)
	require.Error(t, err)
	require.True(t, IsCancellation(err))
}

func TestIsCancellationRecognizesBareContextErrors(t *testing.T) {
	require.True(t, IsCancellation(context.Canceled))
	require.True(t, IsCancellation(context.DeadlineExceeded))
	require.False(t, IsCancellation(errors.New("boom")))
}

func TestUnknownContainerErrorUnwraps(t *testing.T) {
	inner := errors.New("bad zip")
	err := NewUnknownContainerError("/tmp/a.zip", inner)
	require.ErrorIs(t, err, inner)
	require.Contains(t, err.Error(), "/tmp/a.zip")
}
