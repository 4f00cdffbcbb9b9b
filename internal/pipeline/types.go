// Package pipeline provides the bounded-concurrency conversion engine of
// sql2arc. It pulls record groups from a chunked source, converts them on a
// fixed pool of workers and uploads each artifact to a sink, recording one
// outcome per group.
//
// # Architecture
//
// Two independent bounds keep resource usage flat regardless of source size:
//   - AdmissionGate: record groups in flight from fetch to terminal state
//   - WorkerPool: conversions running in parallel
//
// The gate is usually a small multiple of the pool size so uploads of
// converted groups overlap with conversion of new ones. The source is only
// asked for more groups while a gate slot is held.
//
// # Basic Usage
//
//	orch, err := pipeline.NewOrchestrator(source, transform, sink, pipeline.Config{
//	    ChunkSize:         100,
//	    WorkerPoolSize:    5,
//	    AdmissionCapacity: 20,
//	    ConversionTimeout: 30 * time.Minute,
//	}, logger)
//	ledger, err := orch.Run(ctx)
package pipeline

import (
	"time"

	"github.com/fairagro/sql2arc/pkg/config"
	"github.com/fairagro/sql2arc/pkg/errors"
)

// State is the lifecycle state of one record group
type State int

const (
	StateFetched State = iota
	StateAdmitted
	StateConverting
	StateConverted
	StateUploading
	StateDone
	StateFailed
	numStates
)

var stateNames = [...]string{"fetched", "admitted", "converting", "converted", "uploading", "done", "failed"}

func (s State) String() string {
	if s < 0 || s >= numStates {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether s is Done or Failed
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Config contains the run parameters of an Orchestrator. It is read once
// and never mutated during a run.
type Config struct {
	ChunkSize         int
	WorkerPoolSize    int
	AdmissionCapacity int
	ConversionTimeout time.Duration
	ReclaimEvery      int
	ReturnToOS        bool
	// ProgressInterval controls periodic progress logging; zero disables it
	ProgressInterval time.Duration
}

// ConfigFromPipeline converts the pipeline section of the run configuration
func ConfigFromPipeline(p config.PipelineConfig) Config {
	return Config{
		ChunkSize:         p.ChunkSize,
		WorkerPoolSize:    p.WorkerPoolSize,
		AdmissionCapacity: p.EffectiveAdmissionCapacity(),
		ConversionTimeout: p.ConversionTimeout,
		ReclaimEvery:      p.ReclaimEvery,
		ReturnToOS:        p.MemoryLimitMB > 0,
		ProgressInterval:  30 * time.Second,
	}
}

// Validate checks that all parameters are positive and that the gate is
// at least as large as the pool.
func (c Config) Validate() error {
	switch {
	case c.ChunkSize <= 0:
		return errors.New(errors.ErrorTypeConfig, "chunk size must be positive")
	case c.WorkerPoolSize <= 0:
		return errors.New(errors.ErrorTypeConfig, "worker pool size must be positive")
	case c.AdmissionCapacity <= 0:
		return errors.New(errors.ErrorTypeConfig, "admission capacity must be positive")
	case c.AdmissionCapacity < c.WorkerPoolSize:
		return errors.Newf(errors.ErrorTypeConfig, "admission capacity %d is smaller than worker pool size %d",
			c.AdmissionCapacity, c.WorkerPoolSize)
	case c.ConversionTimeout <= 0:
		return errors.New(errors.ErrorTypeConfig, "conversion timeout must be positive")
	}
	return nil
}
