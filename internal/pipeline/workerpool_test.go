package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fairagro/sql2arc/pkg/connector/core"
	"github.com/fairagro/sql2arc/pkg/errors"
	"github.com/fairagro/sql2arc/pkg/models"
)

func echoTransform() core.TransformFunc {
	return func(_ context.Context, g *models.RecordGroup) (models.Artifact, error) {
		return models.Artifact(`{"id":"` + g.ID + `"}`), nil
	}
}

func TestWorkerPool_Convert(t *testing.T) {
	p := NewWorkerPool(echoTransform(), WorkerPoolConfig{Size: 2, Timeout: time.Second}, zaptest.NewLogger(t))
	defer p.Close()

	out, err := p.Convert(context.Background(), &models.RecordGroup{ID: "x"})
	require.NoError(t, err)
	assert.Equal(t, `{"id":"x"}`, string(out))
	assert.Equal(t, 2, p.Size())
	assert.EqualValues(t, 1, p.Metrics()["completed"])
}

func TestWorkerPool_BoundsParallelism(t *testing.T) {
	var running, peak atomic.Int64
	slow := core.TransformFunc(func(context.Context, *models.RecordGroup) (models.Artifact, error) {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return models.Artifact("{}"), nil
	})

	p := NewWorkerPool(slow, WorkerPoolConfig{Size: 3, Timeout: time.Second}, zaptest.NewLogger(t))
	defer p.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Convert(context.Background(), &models.RecordGroup{ID: "x"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(3))
}

func TestWorkerPool_TransformError(t *testing.T) {
	failing := core.TransformFunc(func(context.Context, *models.RecordGroup) (models.Artifact, error) {
		return models.Artifact("partial"), assert.AnError
	})
	p := NewWorkerPool(failing, WorkerPoolConfig{Size: 1, Timeout: time.Second}, zaptest.NewLogger(t))
	defer p.Close()

	out, err := p.Convert(context.Background(), &models.RecordGroup{ID: "x"})
	require.Error(t, err)
	assert.Nil(t, out)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConversion))
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, models.ReasonError, errors.ReasonOf(err))
}

func TestWorkerPool_Panic(t *testing.T) {
	panicking := core.TransformFunc(func(context.Context, *models.RecordGroup) (models.Artifact, error) {
		panic("boom")
	})
	p := NewWorkerPool(panicking, WorkerPoolConfig{Size: 1, Timeout: time.Second}, zaptest.NewLogger(t))
	defer p.Close()

	_, err := p.Convert(context.Background(), &models.RecordGroup{ID: "x"})
	require.Error(t, err)
	assert.Equal(t, models.ReasonPanic, errors.ReasonOf(err))

	// the worker survives the panic
	p2err := func() error {
		_, err := p.Convert(context.Background(), &models.RecordGroup{ID: "y"})
		return err
	}()
	assert.Equal(t, models.ReasonPanic, errors.ReasonOf(p2err))
}

func TestWorkerPool_Timeout(t *testing.T) {
	release := make(chan struct{})
	stuck := core.TransformFunc(func(ctx context.Context, _ *models.RecordGroup) (models.Artifact, error) {
		// ignores ctx until released
		<-release
		return models.Artifact("late"), nil
	})
	p := NewWorkerPool(stuck, WorkerPoolConfig{Size: 1, Timeout: 30 * time.Millisecond}, zaptest.NewLogger(t))

	start := time.Now()
	out, err := p.Convert(context.Background(), &models.RecordGroup{ID: "slow"})
	require.Error(t, err)
	assert.Nil(t, out)
	assert.Equal(t, models.ReasonTimeout, errors.ReasonOf(err))
	assert.Less(t, time.Since(start), time.Second)

	// the worker is still occupied by the abandoned job
	assert.EqualValues(t, 1, p.Busy())

	close(release)
	p.Close()
	assert.EqualValues(t, 1, p.Metrics()["abandoned"])
	assert.EqualValues(t, 1, p.Metrics()["timed_out"])
}

func TestWorkerPool_TimeoutStartsAtAcceptance(t *testing.T) {
	slow := core.TransformFunc(func(context.Context, *models.RecordGroup) (models.Artifact, error) {
		time.Sleep(40 * time.Millisecond)
		return models.Artifact("{}"), nil
	})
	p := NewWorkerPool(slow, WorkerPoolConfig{Size: 1, Timeout: 200 * time.Millisecond}, zaptest.NewLogger(t))
	defer p.Close()

	// Each job waits for the previous ones; none of that waiting counts
	// against its own timeout.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Convert(context.Background(), &models.RecordGroup{ID: "q"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestWorkerPool_ContextCanceledWhileQueued(t *testing.T) {
	release := make(chan struct{})
	blocking := core.TransformFunc(func(context.Context, *models.RecordGroup) (models.Artifact, error) {
		<-release
		return models.Artifact("{}"), nil
	})
	p := NewWorkerPool(blocking, WorkerPoolConfig{Size: 1, Timeout: time.Minute}, zaptest.NewLogger(t))

	go func() {
		_, _ = p.Convert(context.Background(), &models.RecordGroup{ID: "first"})
	}()
	require.Eventually(t, func() bool { return p.Busy() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Convert(ctx, &models.RecordGroup{ID: "second"})
	require.Error(t, err)
	assert.Equal(t, models.ReasonCanceled, errors.ReasonOf(err))

	close(release)
	p.Close()
}

func TestWorkerPool_Closed(t *testing.T) {
	p := NewWorkerPool(echoTransform(), WorkerPoolConfig{Size: 1, Timeout: time.Second}, zaptest.NewLogger(t))
	p.Close()
	p.Close()

	_, err := p.Convert(context.Background(), &models.RecordGroup{ID: "x"})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestWorkerPool_Reclaim(t *testing.T) {
	p := NewWorkerPool(echoTransform(), WorkerPoolConfig{Size: 1, Timeout: time.Second, ReclaimEvery: 2}, zaptest.NewLogger(t))

	for i := 0; i < 5; i++ {
		_, err := p.Convert(context.Background(), &models.RecordGroup{ID: "x"})
		require.NoError(t, err)
	}
	p.Close()

	assert.EqualValues(t, 2, p.Metrics()["reclaims"])
}
