// Package arc converts record groups into ARC RO-Crate JSON-LD documents.
//
// A group's parent row becomes the investigation (the crate root). The
// "studies" children become study datasets and the "assays" children are
// attached to their study through the study_id column. Optional "contacts"
// and "publications" children become persons and scholarly articles.
package arc

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fairagro/sql2arc/pkg/errors"
	"github.com/fairagro/sql2arc/pkg/json"
	"github.com/fairagro/sql2arc/pkg/models"
)

// Child type names understood by the converter
const (
	ChildStudies      = "studies"
	ChildAssays       = "assays"
	ChildContacts     = "contacts"
	ChildPublications = "publications"
)

// ctxCheckEvery controls how often long conversions look at their context
const ctxCheckEvery = 256

// Limits bounds the size of a single ARC. Zero disables a limit.
type Limits struct {
	MaxStudies int
	MaxAssays  int
}

// Converter implements core.Transform. It is stateless and safe for
// concurrent use.
type Converter struct {
	limits Limits
}

// NewConverter creates a converter with the given limits
func NewConverter(limits Limits) *Converter {
	return &Converter{limits: limits}
}

// Convert builds the RO-Crate for group and serializes it. The crate is
// built into locals only, so nothing outlives the call but the bytes.
func (c *Converter) Convert(ctx context.Context, group *models.RecordGroup) (models.Artifact, error) {
	if err := c.checkLimits(group); err != nil {
		return nil, err
	}

	crate, err := c.build(ctx, group)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(crate)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConversion, "failed to serialize ARC").
			WithDetail(errors.DetailID, group.ID)
	}
	return models.Artifact(data), nil
}

func (c *Converter) checkLimits(group *models.RecordGroup) error {
	studies, assays := group.ChildCount(ChildStudies), group.ChildCount(ChildAssays)
	if c.limits.MaxStudies > 0 && studies > c.limits.MaxStudies {
		return errors.Newf(errors.ErrorTypeConversion, "investigation %s has %d studies, limit is %d",
			group.ID, studies, c.limits.MaxStudies).
			WithDetail(errors.DetailReason, models.ReasonTooLarge)
	}
	if c.limits.MaxAssays > 0 && assays > c.limits.MaxAssays {
		return errors.Newf(errors.ErrorTypeConversion, "investigation %s has %d assays, limit is %d",
			group.ID, assays, c.limits.MaxAssays).
			WithDetail(errors.DetailReason, models.ReasonTooLarge)
	}
	return nil
}

func (c *Converter) build(ctx context.Context, group *models.RecordGroup) (*Crate, error) {
	identifier := stringValue(group.Parent["id"])
	if strings.TrimSpace(identifier) == "" {
		identifier = group.ID
	}
	if strings.TrimSpace(identifier) == "" {
		return nil, errors.New(errors.ErrorTypeConversion, "investigation id cannot be empty").
			WithDetail(errors.DetailReason, models.ReasonError)
	}

	root := &Dataset{
		ID:             rootID,
		Type:           "Dataset",
		AdditionalType: "Investigation",
		Identifier:     identifier,
		Name:           stringValue(group.Parent["title"]),
		Description:    stringValue(group.Parent["description"]),
		DateCreated:    dateValue(group.Parent["submission_time"]),
		DatePublished:  dateValue(group.Parent["release_time"]),
	}

	studies := group.Children[ChildStudies]
	assays := group.Children[ChildAssays]
	graph := make([]interface{}, 0, 2+len(studies)+len(assays))
	graph = append(graph, metadataDescriptor{
		ID:         metadataID,
		Type:       "CreativeWork",
		About:      Ref{ID: rootID},
		ConformsTo: Ref{ID: crateConformsTo},
	}, root)

	assaysByStudy := make(map[string][]models.Row, len(studies))
	for _, a := range assays {
		key := stringValue(a["study_id"])
		assaysByStudy[key] = append(assaysByStudy[key], a)
	}

	processed := 0
	for _, s := range studies {
		if err := checkContext(ctx, &processed); err != nil {
			return nil, err
		}
		studyID := stringValue(s["id"])
		study := &Dataset{
			ID:             "studies/" + studyID + "/",
			Type:           "Dataset",
			AdditionalType: "Study",
			Identifier:     studyID,
			Name:           stringValue(s["title"]),
			Description:    stringValue(s["description"]),
			DateCreated:    dateValue(s["submission_time"]),
			DatePublished:  dateValue(s["release_time"]),
		}
		root.HasPart = append(root.HasPart, Ref{ID: study.ID})
		graph = append(graph, study)

		for _, a := range assaysByStudy[studyID] {
			if err := checkContext(ctx, &processed); err != nil {
				return nil, err
			}
			assay := mapAssay(a)
			study.HasPart = append(study.HasPart, Ref{ID: assay.ID})
			graph = append(graph, assay)
		}
	}

	// Contacts sharing an email and publications sharing a DOI keep
	// distinct nodes under their positional IDs.
	seen := make(map[string]bool)
	for i, row := range group.Children[ChildContacts] {
		person := mapPerson(i, row)
		person.ID = uniqueID(seen, person.ID, fmt.Sprintf("#person_%d", i))
		root.Creator = append(root.Creator, Ref{ID: person.ID})
		graph = append(graph, person)
	}

	for i, row := range group.Children[ChildPublications] {
		pub := mapPublication(i, row)
		pub.ID = uniqueID(seen, pub.ID, fmt.Sprintf("#publication_%d", i))
		root.Citation = append(root.Citation, Ref{ID: pub.ID})
		graph = append(graph, pub)
	}

	return &Crate{Context: crateContext, Graph: graph}, nil
}

func mapAssay(row models.Row) *Dataset {
	id := stringValue(row["id"])
	assay := &Dataset{
		ID:             "assays/" + id + "/",
		Type:           "Dataset",
		AdditionalType: "Assay",
		Identifier:     id,
	}
	if v := stringValue(row["measurement_type"]); v != "" {
		assay.MeasurementMethod = &DefinedTerm{Type: "DefinedTerm", Name: v}
	}
	if v := stringValue(row["technology_type"]); v != "" {
		assay.MeasurementTechnique = &DefinedTerm{Type: "DefinedTerm", Name: v}
	}
	return assay
}

// roleTerm is one entry of the JSON encoded roles column
type roleTerm struct {
	Term    string `json:"term"`
	Version string `json:"version"`
	URI     string `json:"uri"`
}

// uniqueID returns id, or fallback when id is already taken
func uniqueID(seen map[string]bool, id, fallback string) string {
	if seen[id] {
		id = fallback
	}
	seen[id] = true
	return id
}

func mapPerson(i int, row models.Row) *Person {
	p := &Person{
		ID:             fmt.Sprintf("#person_%d", i),
		Type:           "Person",
		GivenName:      stringValue(row["first_name"]),
		FamilyName:     stringValue(row["last_name"]),
		AdditionalName: stringValue(row["mid_initials"]),
		Email:          stringValue(row["email"]),
		Telephone:      stringValue(row["phone"]),
		FaxNumber:      stringValue(row["fax"]),
		Address:        stringValue(row["address"]),
		Affiliation:    stringValue(row["affiliation"]),
	}
	if p.Email != "" {
		p.ID = "mailto:" + p.Email
	}

	// Invalid role JSON is ignored; the person is still written.
	if raw := stringValue(row["roles"]); raw != "" {
		var roles []roleTerm
		if err := json.Unmarshal([]byte(raw), &roles); err == nil {
			for _, r := range roles {
				p.JobTitle = append(p.JobTitle, DefinedTerm{
					Type:             "DefinedTerm",
					Name:             r.Term,
					TermCode:         r.URI,
					InDefinedTermSet: r.Version,
				})
			}
		}
	}
	return p
}

func mapPublication(i int, row models.Row) *Publication {
	pub := &Publication{
		ID:         fmt.Sprintf("#publication_%d", i),
		Type:       "ScholarlyArticle",
		Headline:   stringValue(row["title"]),
		Identifier: stringValue(row["doi"]),
		PubMedID:   stringValue(row["pub_med_id"]),
		Author:     stringValue(row["authors"]),
	}
	if pub.Identifier != "" {
		pub.ID = "https://doi.org/" + strings.TrimPrefix(pub.Identifier, "https://doi.org/")
	}
	return pub
}

func checkContext(ctx context.Context, processed *int) error {
	*processed++
	if *processed%ctxCheckEvery != 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConversion, "conversion interrupted").
			WithDetail(errors.DetailReason, models.ReasonTimeout)
	}
	return nil
}

func stringValue(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	case time.Time:
		return s.Format(time.RFC3339)
	default:
		return fmt.Sprint(s)
	}
}

func dateValue(v interface{}) string {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return ""
		}
		return t.Format(time.RFC3339)
	default:
		return stringValue(v)
	}
}
