package pipeline

import (
	"sort"
	"sync"

	"github.com/fairagro/sql2arc/pkg/models"
)

// Ledger is the append-only collection of outcomes for one run. It never
// influences control flow. Safe for concurrent use.
type Ledger struct {
	mu         sync.Mutex
	outcomes   map[string]models.Outcome
	order      []string
	children   models.ChildCounts
	duplicates int
}

// LedgerCounts aggregates a ledger
type LedgerCounts struct {
	Total      int                      `json:"total"`
	Successes  int                      `json:"successes"`
	Failures   int                      `json:"failures"`
	ByKind     map[models.ErrorKind]int `json:"by_kind,omitempty"`
	ByReason   map[string]int           `json:"by_reason,omitempty"`
	Children   models.ChildCounts       `json:"children,omitempty"`
	Duplicates int                      `json:"duplicates,omitempty"`
}

// NewLedger creates an empty ledger
func NewLedger() *Ledger {
	return &Ledger{
		outcomes: make(map[string]models.Outcome),
		children: models.ChildCounts{},
	}
}

// Record appends an outcome. It returns false, and keeps the first
// outcome, when the ID was already recorded.
func (l *Ledger) Record(o models.Outcome) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.outcomes[o.ID]; exists {
		l.duplicates++
		return false
	}
	l.outcomes[o.ID] = o
	l.order = append(l.order, o.ID)
	l.children.Add(o.Children)
	return true
}

// Len returns the number of recorded outcomes
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.outcomes)
}

// Get returns the outcome of id
func (l *Ledger) Get(id string) (models.Outcome, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.outcomes[id]
	return o, ok
}

// Outcomes returns a copy of all outcomes in completion order
func (l *Ledger) Outcomes() []models.Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]models.Outcome, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.outcomes[id])
	}
	return out
}

// FailedIDs returns the IDs of failed record groups, sorted
func (l *Ledger) FailedIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := make([]string, 0)
	for id, o := range l.outcomes {
		if !o.IsSuccess() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Counts aggregates the ledger
func (l *Ledger) Counts() LedgerCounts {
	l.mu.Lock()
	defer l.mu.Unlock()

	c := LedgerCounts{
		Total:      len(l.outcomes),
		ByKind:     map[models.ErrorKind]int{},
		ByReason:   map[string]int{},
		Children:   models.ChildCounts{},
		Duplicates: l.duplicates,
	}
	c.Children.Add(l.children)
	for _, o := range l.outcomes {
		if o.IsSuccess() {
			c.Successes++
			continue
		}
		c.Failures++
		c.ByKind[o.ErrorKind]++
		c.ByReason[o.Reason]++
	}
	return c
}
