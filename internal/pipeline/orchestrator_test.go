package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fairagro/sql2arc/pkg/connector/core"
	"github.com/fairagro/sql2arc/pkg/errors"
	"github.com/fairagro/sql2arc/pkg/logger"
	"github.com/fairagro/sql2arc/pkg/models"
	"github.com/fairagro/sql2arc/pkg/testutil"
)

func testConfig(chunk, workers, capacity int) Config {
	return Config{
		ChunkSize:         chunk,
		WorkerPoolSize:    workers,
		AdmissionCapacity: capacity,
		ConversionTimeout: 5 * time.Second,
	}
}

func failingFor(ids ...string) core.TransformFunc {
	fail := make(map[string]bool, len(ids))
	for _, id := range ids {
		fail[id] = true
	}
	return func(ctx context.Context, g *models.RecordGroup) (models.Artifact, error) {
		if fail[g.ID] {
			return nil, errors.Newf(errors.ErrorTypeConversion, "cannot convert %s", g.ID)
		}
		return echoTransform()(ctx, g)
	}
}

func sleepyTransform(d time.Duration) core.TransformFunc {
	return func(ctx context.Context, g *models.RecordGroup) (models.Artifact, error) {
		time.Sleep(d)
		return echoTransform()(ctx, g)
	}
}

func TestOrchestrator_ConversionFailureIsIsolated(t *testing.T) {
	src := testutil.NewMemorySource(testutil.Groups(5))
	sink := testutil.NewRecordingSink()

	orch, err := NewOrchestrator(src, failingFor("g003"), sink, testConfig(2, 2, 4), testutil.TestLogger(t))
	require.NoError(t, err)

	ledger, err := orch.Run(testutil.TestContext(t))
	require.NoError(t, err)

	counts := ledger.Counts()
	assert.Equal(t, 5, counts.Total)
	assert.Equal(t, 4, counts.Successes)
	assert.Equal(t, 1, counts.Failures)
	assert.Equal(t, []string{"g003"}, ledger.FailedIDs())

	failed, _ := ledger.Get("g003")
	assert.Equal(t, models.ErrorKindConversion, failed.ErrorKind)
	assert.Zero(t, sink.Attempts("g003"), "a failed conversion is never uploaded")
	assert.Equal(t, 4, sink.Total())
	assert.Equal(t, 3, src.Calls())

	ok, _ := ledger.Get("g001")
	assert.Equal(t, 1, ok.Children["studies"])
	assert.Equal(t, len(`{"id":"g001"}`), ok.ArtifactSize)
}

func TestOrchestrator_GateBoundsInFlight(t *testing.T) {
	const capacity = 3
	var live, peak atomic.Int64
	hook := func(_ string, s State) {
		var n int64
		switch {
		case s == StateFetched:
			n = live.Add(1)
		case s.Terminal():
			live.Add(-1)
			return
		default:
			return
		}
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				return
			}
		}
	}

	sink := testutil.NewRecordingSink()
	sink.Delay = 2 * time.Millisecond
	orch, err := NewOrchestrator(testutil.NewMemorySource(testutil.Groups(30)), sleepyTransform(time.Millisecond), sink,
		testConfig(7, 2, capacity), testutil.TestLogger(t), WithStateHook(hook))
	require.NoError(t, err)

	ledger, err := orch.Run(testutil.TestContext(t))
	require.NoError(t, err)

	assert.Equal(t, 30, ledger.Len())
	assert.LessOrEqual(t, peak.Load(), int64(capacity))
	stats := orch.GateStats()
	assert.LessOrEqual(t, stats.Peak, int64(capacity))
	assert.Equal(t, stats.Acquired, stats.Released)
	assert.EqualValues(t, 0, stats.InFlight)
	for _, s := range []State{StateFetched, StateAdmitted, StateConverting, StateConverted, StateUploading} {
		assert.Zero(t, orch.InState(s), s.String())
	}
}

func TestOrchestrator_SingleWorkerSerializesConversion(t *testing.T) {
	const step = 20 * time.Millisecond
	orch, err := NewOrchestrator(testutil.NewMemorySource(testutil.Groups(10)), sleepyTransform(step),
		testutil.NewRecordingSink(), testConfig(3, 1, 2), testutil.TestLogger(t))
	require.NoError(t, err)

	start := time.Now()
	ledger, err := orch.Run(testutil.TestContext(t))
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.Equal(t, 10, ledger.Counts().Successes)
	assert.GreaterOrEqual(t, elapsed, 10*step)
	assert.Less(t, elapsed, 5*time.Second)
}

func TestOrchestrator_UploadFailureIsNotRetried(t *testing.T) {
	sink := testutil.NewRecordingSink()
	sink.FailIDs["g002"] = true

	orch, err := NewOrchestrator(testutil.NewMemorySource(testutil.Groups(3)), echoTransform(), sink,
		testConfig(10, 2, 2), testutil.TestLogger(t))
	require.NoError(t, err)

	ledger, err := orch.Run(testutil.TestContext(t))
	require.NoError(t, err)

	assert.Equal(t, 1, sink.Attempts("g002"))
	o, found := ledger.Get("g002")
	require.True(t, found)
	assert.Equal(t, models.ErrorKindUpload, o.ErrorKind)
	assert.Equal(t, models.ReasonHTTPStatus, o.Reason)
	assert.Equal(t, 2, ledger.Counts().Successes)
}

func TestOrchestrator_SinkPanicIsIsolated(t *testing.T) {
	sink := testutil.NewRecordingSink()
	sink.PanicIDs["g003"] = true

	orch, err := NewOrchestrator(testutil.NewMemorySource(testutil.Groups(5)), echoTransform(), sink,
		testConfig(2, 2, 4), testutil.TestLogger(t))
	require.NoError(t, err)

	var ledger *Ledger
	require.NotPanics(t, func() {
		ledger, err = orch.Run(testutil.TestContext(t))
	})
	require.NoError(t, err)
	require.NotNil(t, ledger)

	counts := ledger.Counts()
	assert.Equal(t, 5, counts.Total)
	assert.Equal(t, 4, counts.Successes)
	assert.Equal(t, []string{"g003"}, ledger.FailedIDs())

	o, found := ledger.Get("g003")
	require.True(t, found)
	assert.Equal(t, models.ErrorKindUpload, o.ErrorKind)
	assert.Equal(t, models.ReasonPanic, o.Reason)
	assert.Contains(t, o.Message, "sink panicked")
	assert.Equal(t, 1, sink.Attempts("g003"))
	assert.Equal(t, 4, sink.Total())
	assert.Equal(t, int64(0), orch.GateStats().InFlight)
}

func TestOrchestrator_LogsCarryRunAndRecordIDs(t *testing.T) {
	src := testutil.NewMemorySource(testutil.Groups(3))
	sink := testutil.NewRecordingSink()
	sink.FailIDs["g002"] = true

	observed, logs := observer.New(zapcore.DebugLevel)
	orch, err := NewOrchestrator(src, echoTransform(), sink, testConfig(2, 2, 4), zap.New(observed))
	require.NoError(t, err)

	ctx := logger.WithRunID(testutil.TestContext(t), "run-7")
	_, err = orch.Run(ctx)
	require.NoError(t, err)

	started := logs.FilterMessage("starting pipeline").All()
	require.Len(t, started, 1)
	assert.Equal(t, "run-7", started[0].ContextMap()["run_id"])

	failed := logs.FilterMessage("upload failed").All()
	require.Len(t, failed, 1)
	fields := failed[0].ContextMap()
	assert.Equal(t, "run-7", fields["run_id"])
	assert.Equal(t, "g002", fields["record_id"])

	uploaded := logs.FilterMessage("record group uploaded").All()
	require.Len(t, uploaded, 2)
	for _, entry := range uploaded {
		assert.Equal(t, "run-7", entry.ContextMap()["run_id"])
		assert.Contains(t, []interface{}{"g001", "g003"}, entry.ContextMap()["record_id"])
	}
}

func TestOrchestrator_ConversionTimeout(t *testing.T) {
	release := make(chan struct{})
	transform := core.TransformFunc(func(ctx context.Context, g *models.RecordGroup) (models.Artifact, error) {
		if g.ID == "g002" {
			<-release
		}
		return echoTransform()(ctx, g)
	})

	cfg := testConfig(10, 2, 2)
	cfg.ConversionTimeout = 50 * time.Millisecond
	orch, err := NewOrchestrator(testutil.NewMemorySource(testutil.Groups(4)), transform, testutil.NewRecordingSink(),
		cfg, testutil.TestLogger(t))
	require.NoError(t, err)

	var ledger *Ledger
	done := make(chan struct{})
	go func() {
		defer close(done)
		ledger, err = orch.Run(testutil.TestContext(t))
	}()

	// all groups except the stuck one finish on the remaining worker
	testutil.AssertEventually(t, func() bool { return orch.PoolMetrics()["timed_out"] == int64(1) }, 2*time.Second,
		"conversion of g002 should time out")
	close(release)
	<-done

	require.NoError(t, err)
	o, _ := ledger.Get("g002")
	assert.Equal(t, models.ReasonTimeout, o.Reason)
	assert.Equal(t, 3, ledger.Counts().Successes)
}

func TestOrchestrator_IdempotentRerun(t *testing.T) {
	run := func() map[string]models.OutcomeStatus {
		sink := testutil.NewRecordingSink()
		sink.FailIDs["g004"] = true
		orch, err := NewOrchestrator(testutil.NewMemorySource(testutil.Groups(6)), failingFor("g001"), sink,
			testConfig(4, 3, 6), testutil.TestLogger(t))
		require.NoError(t, err)
		ledger, err := orch.Run(testutil.TestContext(t))
		require.NoError(t, err)

		out := make(map[string]models.OutcomeStatus)
		for _, o := range ledger.Outcomes() {
			out[o.ID] = o.Status
		}
		return out
	}

	first, second := run(), run()
	assert.Equal(t, first, second)
	assert.Len(t, first, 6)
}

func TestOrchestrator_SourceErrorAborts(t *testing.T) {
	src := testutil.NewMemorySource(testutil.Groups(6))
	src.FailOnCall = 2
	sink := testutil.NewRecordingSink()

	orch, err := NewOrchestrator(src, echoTransform(), sink, testConfig(2, 2, 4), testutil.TestLogger(t))
	require.NoError(t, err)

	ledger, err := orch.Run(testutil.TestContext(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAborted)
	assert.True(t, errors.IsType(err, errors.ErrorTypeSourceFetch))

	require.NotNil(t, ledger)
	assert.Equal(t, 2, ledger.Len(), "groups admitted before the failure still complete")
	assert.Equal(t, 2, sink.Total())
	assert.EqualValues(t, 0, orch.GateStats().InFlight)
}

func TestOrchestrator_CancelDrainsInFlight(t *testing.T) {
	ctx, cancel := context.WithCancel(testutil.TestContext(t))
	defer cancel()

	src := testutil.NewMemorySource(testutil.Groups(8))
	src.Delay = time.Millisecond
	src.OnChunk = func(call int) {
		if call == 2 {
			cancel()
		}
	}

	orch, err := NewOrchestrator(src, sleepyTransform(30*time.Millisecond), testutil.NewRecordingSink(),
		testConfig(2, 2, 4), testutil.TestLogger(t))
	require.NoError(t, err)

	ledger, err := orch.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAborted)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 2, ledger.Len())
	assert.Equal(t, 2, ledger.Counts().Successes, "admitted groups finish despite cancellation")
	assert.EqualValues(t, 0, orch.GateStats().InFlight)
}

func TestOrchestrator_EmptySource(t *testing.T) {
	orch, err := NewOrchestrator(testutil.NewMemorySource(nil), echoTransform(), testutil.NewRecordingSink(),
		testConfig(10, 1, 1), testutil.TestLogger(t))
	require.NoError(t, err)

	ledger, err := orch.Run(testutil.TestContext(t))
	require.NoError(t, err)
	assert.Zero(t, ledger.Len())
}

func TestOrchestrator_RunOnce(t *testing.T) {
	orch, err := NewOrchestrator(testutil.NewMemorySource(testutil.Groups(1)), echoTransform(), testutil.NewRecordingSink(),
		testConfig(1, 1, 1), testutil.TestLogger(t))
	require.NoError(t, err)

	_, err = orch.Run(testutil.TestContext(t))
	require.NoError(t, err)
	_, err = orch.Run(testutil.TestContext(t))
	assert.Error(t, err)
}

func TestOrchestrator_StateSequence(t *testing.T) {
	var mu sync.Mutex
	seen := map[string][]State{}
	hook := func(id string, s State) {
		mu.Lock()
		defer mu.Unlock()
		seen[id] = append(seen[id], s)
	}

	sink := testutil.NewRecordingSink()
	sink.FailIDs["g002"] = true
	orch, err := NewOrchestrator(testutil.NewMemorySource(testutil.Groups(3)), failingFor("g003"), sink,
		testConfig(3, 1, 3), testutil.TestLogger(t), WithStateHook(hook))
	require.NoError(t, err)
	_, err = orch.Run(testutil.TestContext(t))
	require.NoError(t, err)

	assert.Equal(t, []State{StateFetched, StateAdmitted, StateConverting, StateConverted, StateUploading, StateDone}, seen["g001"])
	assert.Equal(t, []State{StateFetched, StateAdmitted, StateConverting, StateConverted, StateUploading, StateFailed}, seen["g002"])
	assert.Equal(t, []State{StateFetched, StateAdmitted, StateConverting, StateFailed}, seen["g003"])
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"zero chunk", func(c *Config) { c.ChunkSize = 0 }, true},
		{"zero workers", func(c *Config) { c.WorkerPoolSize = 0 }, true},
		{"gate smaller than pool", func(c *Config) { c.AdmissionCapacity = 1 }, true},
		{"zero timeout", func(c *Config) { c.ConversionTimeout = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(10, 2, 4)
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "converting", StateConverting.String())
	assert.Equal(t, "unknown", State(42).String())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateUploading.Terminal())
}
