// Package models provides the data types that flow through the conversion
// pipeline: record groups read from the source, the serialized artifacts
// produced from them, and the per-record outcomes of a run.
package models

import "sort"

// Row is a single database row keyed by column name.
type Row map[string]interface{}

// RecordGroup is one unit of work: a parent record plus all of its related
// child records, keyed by child type. A group is immutable once the source
// has assembled it and is owned by exactly one in-flight flow.
type RecordGroup struct {
	// ID is the parent's identifier rendered as a string. Unique per source.
	ID string
	// Parent is the root record
	Parent Row
	// Children holds the related records of every configured child type.
	// Nested children (e.g. assays of studies) are attached to the root
	// group as well and carry their own foreign key column.
	Children map[string][]Row
}

// ChildCount returns the number of children of the given type
func (g *RecordGroup) ChildCount(childType string) int {
	if g == nil {
		return 0
	}
	return len(g.Children[childType])
}

// Counts returns the number of children per child type
func (g *RecordGroup) Counts() ChildCounts {
	counts := make(ChildCounts, len(g.Children))
	for k, rows := range g.Children {
		counts[k] = len(rows)
	}
	return counts
}

// ChildCounts maps a child type to a number of child records.
type ChildCounts map[string]int

// Add accumulates other into c
func (c ChildCounts) Add(other ChildCounts) {
	for k, v := range other {
		c[k] += v
	}
}

// Types returns the child types in sorted order
func (c ChildCounts) Types() []string {
	types := make([]string, 0, len(c))
	for k := range c {
		types = append(types, k)
	}
	sort.Strings(types)
	return types
}

// Artifact is the serialized (text-encoded) result of converting a record
// group. It is never a live object graph.
type Artifact []byte

// Size returns the artifact size in bytes
func (a Artifact) Size() int {
	return len(a)
}
