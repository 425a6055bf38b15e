package ingestion

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timberdayz/timber-dayz-sub007/internal/logging"
)

func TestPool_SetupWorkers(t *testing.T) {
	t.Run("Expect: invalid worker count rejected", func(t *testing.T) {
		p := NewPool(1, logging.Discard())

		_, wg, err := p.SetupWorkers(0)

		assert.Error(t, err)
		assert.Nil(t, wg)
	})

	t.Run("Expect: workers drain the queue on close", func(t *testing.T) {
		p := NewPool(8, logging.Discard())
		runner, wg, err := p.SetupWorkers(3)
		require.NoError(t, err)
		assert.NotNil(t, wg)
		runner.Run()

		var ran atomic.Int32
		for i := 0; i < 5; i++ {
			_, err := Submit(context.Background(), p, func() (int, error) {
				ran.Add(1)
				return 0, nil
			})
			require.NoError(t, err)
		}
		p.Close()

		assert.Equal(t, int32(5), ran.Load())
	})
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()

	t.Run("Expect: value and error returned", func(t *testing.T) {
		p, err := StartPool(1, 1, logging.Discard())
		require.NoError(t, err)
		defer p.Close()

		v, err := Submit(ctx, p, func() (string, error) { return "ok", nil })
		require.NoError(t, err)
		assert.Equal(t, "ok", v)

		_, err = Submit(ctx, p, func() (string, error) { return "", errors.New("bad sheet") })
		assert.ErrorContains(t, err, "bad sheet")
	})

	t.Run("Expect: panics become errors and the worker survives", func(t *testing.T) {
		p, err := StartPool(1, 1, logging.Discard())
		require.NoError(t, err)
		defer p.Close()

		_, err = Submit(ctx, p, func() (int, error) { panic("corrupt zip") })
		assert.ErrorContains(t, err, "corrupt zip")

		v, err := Submit(ctx, p, func() (int, error) { return 7, nil })
		require.NoError(t, err)
		assert.Equal(t, 7, v)
	})

	t.Run("Expect: caller released when its context ends", func(t *testing.T) {
		p, err := StartPool(1, 1, logging.Discard())
		require.NoError(t, err)
		release := make(chan struct{})
		defer p.Close()
		defer close(release)

		short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()

		_, err = Submit(short, p, func() (int, error) {
			<-release
			return 1, nil
		})

		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("Expect: closed pool rejects work", func(t *testing.T) {
		p, err := StartPool(1, 1, logging.Discard())
		require.NoError(t, err)
		p.Close()

		_, err = Submit(ctx, p, func() (int, error) { return 1, nil })

		assert.ErrorIs(t, err, ErrPoolClosed)
	})
}
