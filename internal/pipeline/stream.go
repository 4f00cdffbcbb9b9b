package pipeline

import (
	"context"
	"io"

	"github.com/fairagro/sql2arc/pkg/connector/core"
	"github.com/fairagro/sql2arc/pkg/metrics"
	"github.com/fairagro/sql2arc/pkg/models"
)

// GroupStream turns a chunked source into a one-group-at-a-time iterator.
// It holds at most one chunk and only fetches the next chunk when the
// current one is used up. Not safe for concurrent use.
type GroupStream struct {
	source    core.Source
	chunkSize int

	buf     []*models.RecordGroup
	hasMore bool
	chunks  int
	groups  int
}

// NewGroupStream wraps source
func NewGroupStream(source core.Source, chunkSize int) *GroupStream {
	return &GroupStream{source: source, chunkSize: chunkSize, hasMore: true}
}

// Next returns the next group, or io.EOF when the source is exhausted.
// Any other error comes from the source and is fatal.
func (s *GroupStream) Next(ctx context.Context) (*models.RecordGroup, error) {
	for len(s.buf) == 0 {
		if !s.hasMore {
			return nil, io.EOF
		}
		groups, hasMore, err := s.source.NextChunk(ctx, s.chunkSize)
		if err != nil {
			s.hasMore = false
			return nil, err
		}
		s.buf, s.hasMore = groups, hasMore
		if len(groups) > 0 {
			s.chunks++
			metrics.ChunksFetched.Inc()
		}
	}

	g := s.buf[0]
	s.buf[0] = nil
	s.buf = s.buf[1:]
	s.groups++
	metrics.GroupsFetched.Inc()
	return g, nil
}

// Buffered returns the number of fetched groups not yet handed out
func (s *GroupStream) Buffered() int {
	return len(s.buf)
}

// Chunks returns the number of non-empty chunks fetched so far
func (s *GroupStream) Chunks() int {
	return s.chunks
}

// Groups returns the number of groups handed out so far
func (s *GroupStream) Groups() int {
	return s.groups
}
