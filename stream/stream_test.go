package stream

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wireproto/h1client/chunk"
	wireerrors "github.com/wireproto/h1client/errors"
	"github.com/wireproto/h1client/request"
	"github.com/wireproto/h1client/response"
)

func newStream(cb response.Callbacks) *Stream {
	return New(request.New("GET", "/"), cb, nil)
}

func TestStream_LifecycleTransitions(t *testing.T) {
	s := newStream(response.Callbacks{})
	require.Equal(t, Unactivated, s.State())

	require.NoError(t, s.Activate())
	require.Equal(t, Pending, s.State())

	s.BeginWriting()
	require.Equal(t, Writing, s.State())

	s.ResponseArriving()
	require.Equal(t, WritingAndReading, s.State())

	s.WritingDone()
	require.Equal(t, Reading, s.State())

	s.Finish(nil)
	require.Equal(t, Complete, s.State())
	require.True(t, s.Done())
	require.NoError(t, s.Err())
}

func TestStream_WritingDone_WithoutResponseArriving(t *testing.T) {
	s := newStream(response.Callbacks{})
	require.NoError(t, s.Activate())
	s.BeginWriting()
	s.WritingDone()
	require.Equal(t, Reading, s.State())
}

func TestStream_ActivateTwiceFails(t *testing.T) {
	s := newStream(response.Callbacks{})
	require.NoError(t, s.Activate())

	err := s.Activate()
	require.Error(t, err)
	require.True(t, errors.Is(err, wireerrors.ErrActivateTwice))
}

func TestStream_FinishIsIdempotent(t *testing.T) {
	var calls int
	var lastErr error
	s := newStream(response.Callbacks{
		Complete: func(err error) {
			calls++
			lastErr = err
		},
	})

	boom := errors.New("boom")
	s.Finish(boom)
	s.Finish(nil)
	s.Finish(errors.New("ignored, stream already complete"))

	require.Equal(t, 1, calls)
	require.Equal(t, boom, lastErr)
	require.Equal(t, boom, s.Err())
}

func TestStream_FinishWithError_CancelsChunkQueue(t *testing.T) {
	q := chunk.NewQueue(4, nil)
	var fired error
	require.NoError(t, q.Enqueue(chunk.Chunk{Size: 3, Done: func(err error) { fired = err }}))

	s := New(request.New("PUT", "/"), response.Callbacks{}, q)
	require.NoError(t, s.Activate())

	boom := errors.New("boom")
	s.Finish(boom)

	require.Equal(t, boom, fired)
	require.True(t, q.Terminated())
	require.ErrorIs(t, q.Enqueue(chunk.Chunk{Size: 1}), chunk.ErrQueueClosed)
}

func TestStream_FinishWithoutActivation(t *testing.T) {
	var got error
	s := newStream(response.Callbacks{Complete: func(err error) { got = err }})

	s.Finish(nil)
	require.Equal(t, Complete, s.State())
	require.NoError(t, got)
}
