package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoReportsResult(t *testing.T) {
	s := New()
	defer s.Close()

	boom := errors.New("boom")
	ok := s.Go(context.Background(), "ok", func(ctx context.Context) error { return nil })
	bad := s.Go(context.Background(), "bad", func(ctx context.Context) error { return boom })

	assert.NoError(t, ok.Wait())
	assert.ErrorIs(t, bad.Wait(), boom)
	assert.ErrorIs(t, bad.Err(), boom)
	assert.Equal(t, "ok", ok.Name())
	assert.NotEqual(t, ok.ID(), bad.ID())
}

func TestGoRecoversPanic(t *testing.T) {
	s := New()
	defer s.Close()

	released := false
	h := s.Go(context.Background(), "panic", func(ctx context.Context) error {
		defer func() { released = true }()
		panic("kaboom")
	})

	err := h.Wait()
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "kaboom", pe.Value)
	assert.True(t, released)
	assert.Equal(t, 0, s.Active())
}

func TestTaskOutlivesCallerContext(t *testing.T) {
	s := New()
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	release := make(chan struct{})
	h := s.Go(ctx, "detached", func(ctx context.Context) error {
		close(started)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	<-started
	cancel()
	close(release)
	assert.NoError(t, h.Wait())
}

func TestCloseCancelsAndJoins(t *testing.T) {
	s := New()

	started := make(chan struct{})
	h := s.Go(context.Background(), "long", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started

	require.NoError(t, s.Close())
	assert.ErrorIs(t, h.Err(), context.Canceled)

	late := s.Go(context.Background(), "late", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, late.Wait(), ErrClosed)
}

func TestWaitForActive(t *testing.T) {
	s := New()
	defer s.Close()

	release := make(chan struct{})
	s.Go(context.Background(), "blocked", func(ctx context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.False(t, s.WaitForActive(ctx))
	assert.Equal(t, 1, s.Active())

	close(release)
	assert.True(t, s.WaitForActive(context.Background()))
}
