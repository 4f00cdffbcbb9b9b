// Package report turns the outcome ledger of a run into a JSON-LD
// provenance document (schema.org CreateAction, PROV Activity).
package report

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/fairagro/sql2arc/internal/pipeline"
	"github.com/fairagro/sql2arc/pkg/arc"
	"github.com/fairagro/sql2arc/pkg/errors"
	"github.com/fairagro/sql2arc/pkg/json"
	"github.com/fairagro/sql2arc/pkg/models"
)

const (
	StatusCompleted = "schema:CompletedActionStatus"
	StatusFailed    = "schema:FailedActionStatus"

	runName        = "SQL to ARC Conversion Run"
	instrumentName = "FAIRagro Middleware SQL-to-ARC"
)

var reportContext = map[string]interface{}{
	"schema":         "http://schema.org/",
	"prov":           "http://www.w3.org/ns/prov#",
	"void":           "http://rdfs.org/ns/void#",
	"xsd":            "http://www.w3.org/2001/XMLSchema#",
	"duration":       map[string]string{"@id": "schema:duration", "@type": "schema:Duration"},
	"failed_ids":     map[string]string{"@id": "schema:error", "@container": "@set"},
	"status":         map[string]string{"@id": "schema:actionStatus"},
	"found_datasets": map[string]string{"@id": "void:entities", "@type": "xsd:integer"},
	"total_studies":  map[string]string{"@id": "schema:result", "@type": "xsd:integer"},
	"total_assays":   map[string]string{"@id": "schema:result", "@type": "xsd:integer"},
	"start_time":     map[string]string{"@id": "prov:startedAtTime", "@type": "xsd:dateTime"},
	"end_time":       map[string]string{"@id": "prov:endedAtTime", "@type": "xsd:dateTime"},
}

// Node is a typed JSON-LD node
type Node struct {
	ID         string `json:"@id,omitempty"`
	Type       string `json:"@type"`
	Identifier string `json:"schema:identifier,omitempty"`
	Name       string `json:"schema:name"`
	Version    string `json:"schema:softwareVersion,omitempty"`
}

// Summary is the run report
type Summary struct {
	Context         map[string]interface{}    `json:"@context"`
	ID              string                    `json:"@id"`
	Type            []string                  `json:"@type"`
	Name            string                    `json:"schema:name"`
	Instrument      Node                      `json:"schema:instrument"`
	Used            *Node                     `json:"prov:used,omitempty"`
	RunID           string                    `json:"run_id"`
	Status          string                    `json:"status"`
	StartTime       time.Time                 `json:"start_time"`
	EndTime         time.Time                 `json:"end_time"`
	Duration        string                    `json:"duration"`
	DurationSeconds float64                   `json:"duration_seconds"`
	FoundDatasets   int                       `json:"found_datasets"`
	TotalStudies    int                       `json:"total_studies"`
	TotalAssays     int                       `json:"total_assays"`
	FailedDatasets  int                       `json:"failed_datasets"`
	FailedIDs       []string                  `json:"failed_ids"`
	Aborted         bool                      `json:"aborted"`
	AbortReason     string                    `json:"abort_reason,omitempty"`
	PeakRSSBytes    uint64                    `json:"peak_rss_bytes,omitempty"`
	Counts          pipeline.LedgerCounts     `json:"counts"`
	Outcomes        map[string]models.Outcome `json:"outcomes"`
}

// RunInfo carries everything about a run that is not in the ledger
type RunInfo struct {
	RunID     string
	Version   string
	RDI       string
	RDIURL    string
	StartTime time.Time
	EndTime   time.Time
	PeakRSS   uint64
	// RunErr is the error returned by the orchestrator, nil for a full run
	RunErr error
}

// NewRunID returns a random run identifier
func NewRunID() string {
	return uuid.NewString()
}

// Build finalizes ledger into a Summary
func Build(ledger *pipeline.Ledger, info RunInfo) *Summary {
	if info.RunID == "" {
		info.RunID = NewRunID()
	}
	counts := ledger.Counts()
	elapsed := info.EndTime.Sub(info.StartTime).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}

	s := &Summary{
		Context: reportContext,
		ID:      "urn:uuid:" + info.RunID,
		Type:    []string{"prov:Activity", "schema:CreateAction"},
		Name:    runName,
		Instrument: Node{
			Type:    "schema:SoftwareApplication",
			Name:    instrumentName,
			Version: info.Version,
		},
		RunID:           info.RunID,
		Status:          StatusCompleted,
		StartTime:       info.StartTime.UTC(),
		EndTime:         info.EndTime.UTC(),
		Duration:        fmt.Sprintf("PT%.2fS", elapsed),
		DurationSeconds: math.Round(elapsed*100) / 100,
		FoundDatasets:   counts.Total,
		TotalStudies:    counts.Children[arc.ChildStudies],
		TotalAssays:     counts.Children[arc.ChildAssays],
		FailedDatasets:  counts.Failures,
		FailedIDs:       ledger.FailedIDs(),
		PeakRSSBytes:    info.PeakRSS,
		Counts:          counts,
		Outcomes:        make(map[string]models.Outcome, counts.Total),
	}
	for _, o := range ledger.Outcomes() {
		s.Outcomes[o.ID] = o
	}

	if info.RunErr != nil {
		s.Aborted = true
		s.AbortReason = info.RunErr.Error()
	}
	if s.Aborted || s.FailedDatasets > 0 {
		s.Status = StatusFailed
	}

	if info.RDI != "" && info.RDIURL != "" {
		s.Used = &Node{
			ID:         info.RDIURL,
			Type:       "schema:Organization",
			Identifier: info.RDI,
			Name:       "Research Data Infrastructure: " + info.RDI,
		}
	}
	return s
}

// Write encodes s as indented JSON-LD
func Write(w io.Writer, s *Summary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode report")
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to write report")
	}
	return nil
}

// WriteFile writes s to path, creating parent directories
func WriteFile(path string, s *Summary) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeInternal, "failed to create report directory for %s", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeInternal, "failed to create report file %s", path)
	}
	if err := Write(f, s); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Emit writes s once to stdout and, if path is set, once to path
func Emit(stdout io.Writer, path string, s *Summary) error {
	if err := Write(stdout, s); err != nil {
		return err
	}
	if path == "" {
		return nil
	}
	return WriteFile(path, s)
}
