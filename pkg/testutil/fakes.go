package testutil

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fairagro/sql2arc/pkg/errors"
	"github.com/fairagro/sql2arc/pkg/models"
)

// Groups builds n record groups with IDs g001, g002, ...
func Groups(n int) []*models.RecordGroup {
	groups := make([]*models.RecordGroup, n)
	for i := range groups {
		id := fmt.Sprintf("g%03d", i+1)
		groups[i] = &models.RecordGroup{
			ID:     id,
			Parent: models.Row{"id": id, "title": "Investigation " + id},
			Children: map[string][]models.Row{
				"studies": {{"id": id + "-s1", "investigation_id": id}},
			},
		}
	}
	return groups
}

// MemorySource is an in-memory core.Source
type MemorySource struct {
	mu     sync.Mutex
	groups []*models.RecordGroup
	pos    int
	calls  int

	// FailOnCall makes the n-th NextChunk call (1-based) fail
	FailOnCall int
	// Delay is applied to every NextChunk call
	Delay time.Duration
	// OnChunk is called at the start of every NextChunk call
	OnChunk func(call int)

	closed atomic.Bool
}

// NewMemorySource serves groups in order
func NewMemorySource(groups []*models.RecordGroup) *MemorySource {
	return &MemorySource{groups: groups}
}

func (s *MemorySource) NextChunk(ctx context.Context, n int) ([]*models.RecordGroup, bool, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()

	if s.OnChunk != nil {
		s.OnChunk(call)
	}
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
	if s.FailOnCall > 0 && call == s.FailOnCall {
		return nil, false, errors.New(errors.ErrorTypeConnection, "connection reset by peer")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	end := s.pos + n
	if end > len(s.groups) {
		end = len(s.groups)
	}
	chunk := s.groups[s.pos:end]
	s.pos = end
	return chunk, s.pos < len(s.groups), nil
}

func (s *MemorySource) FetchChildren(context.Context, []interface{}, string) (map[string][]models.Row, error) {
	return map[string][]models.Row{}, nil
}

func (s *MemorySource) Close(context.Context) error {
	s.closed.Store(true)
	return nil
}

// Calls returns the number of NextChunk calls
func (s *MemorySource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Closed reports whether Close was called
func (s *MemorySource) Closed() bool {
	return s.closed.Load()
}

// RecordingSink is a core.Sink that remembers every upload
type RecordingSink struct {
	mu       sync.Mutex
	uploads  map[string][]models.Artifact
	attempts map[string]int

	// FailIDs makes uploads of these IDs fail with an http_status reason
	FailIDs map[string]bool
	// PanicIDs makes uploads of these IDs panic with a runtime error
	PanicIDs map[string]bool
	// Delay is applied to every upload
	Delay time.Duration
}

// NewRecordingSink creates an empty sink
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{
		uploads:  make(map[string][]models.Artifact),
		attempts: make(map[string]int),
		FailIDs:  make(map[string]bool),
		PanicIDs: make(map[string]bool),
	}
}

func (s *RecordingSink) Name() string { return "recording" }

func (s *RecordingSink) Upload(ctx context.Context, id string, artifact models.Artifact) error {
	s.mu.Lock()
	s.attempts[id]++
	s.mu.Unlock()

	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), errors.ErrorTypeUpload, "upload canceled").
				WithDetail(errors.DetailReason, models.ReasonCanceled)
		}
	}
	if s.PanicIDs[id] {
		var broken map[string]int
		broken[id]++
	}
	if s.FailIDs[id] {
		return errors.Newf(errors.ErrorTypeUpload, "upload of %s rejected", id).
			WithDetail(errors.DetailReason, models.ReasonHTTPStatus).
			WithDetail(errors.DetailStatus, 500)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads[id] = append(s.uploads[id], artifact)
	return nil
}

func (s *RecordingSink) Close(context.Context) error { return nil }

// Uploaded returns the artifacts stored for id
func (s *RecordingSink) Uploaded(id string) []models.Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploads[id]
}

// Attempts returns how often Upload was called for id
func (s *RecordingSink) Attempts(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[id]
}

// Total returns the number of successful uploads
func (s *RecordingSink) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.uploads {
		n += len(a)
	}
	return n
}
