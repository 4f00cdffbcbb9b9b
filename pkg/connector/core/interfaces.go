// Package core defines the contracts between the conversion pipeline and
// its collaborators: the chunked record source, the CPU-bound transform
// and the remote sink.
package core

import (
	"context"

	"github.com/fairagro/sql2arc/pkg/models"
)

// Source produces a lazy, finite, forward-only sequence of record groups.
// It is not restartable mid-stream; a new run re-reads from the beginning.
// Any returned error is fatal to the run.
type Source interface {
	// NextChunk fetches up to n parent records and resolves their children.
	// hasMore is false once the source is exhausted; the returned slice may
	// still hold the final groups.
	NextChunk(ctx context.Context, n int) (groups []*models.RecordGroup, hasMore bool, err error)

	// FetchChildren resolves the children of the given type for a set of
	// parent identifiers with a single grouped lookup. The result is keyed
	// by the parent identifier rendered as a string.
	FetchChildren(ctx context.Context, parentIDs []interface{}, childType string) (map[string][]models.Row, error)

	Close(ctx context.Context) error
}

// Transform converts a record group into a serialized artifact. It must not
// retain the group or share mutable state with other invocations. Errors
// should be ErrorTypeConversion.
type Transform interface {
	Convert(ctx context.Context, group *models.RecordGroup) (models.Artifact, error)
}

// TransformFunc adapts a function to the Transform interface
type TransformFunc func(ctx context.Context, group *models.RecordGroup) (models.Artifact, error)

// Convert calls f
func (f TransformFunc) Convert(ctx context.Context, group *models.RecordGroup) (models.Artifact, error) {
	return f(ctx, group)
}

// Sink uploads one artifact per call. Implementations must be safe for
// concurrent use, must not batch, and must not retry. Errors should be
// ErrorTypeUpload.
type Sink interface {
	Name() string
	Upload(ctx context.Context, id string, artifact models.Artifact) error
	Close(ctx context.Context) error
}

// MetricsProvider is implemented by connectors that expose counters for
// the run summary.
type MetricsProvider interface {
	Metrics() map[string]interface{}
}
