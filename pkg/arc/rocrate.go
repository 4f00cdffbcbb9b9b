package arc

// RO-Crate 1.1 JSON-LD document model. Only the terms written by the
// converter are modelled.

const (
	crateContext    = "https://w3id.org/ro/crate/1.1/context"
	crateConformsTo = "https://w3id.org/ro/crate/1.1"
	metadataID      = "ro-crate-metadata.json"
	rootID          = "./"
)

// Crate is a flattened RO-Crate document
type Crate struct {
	Context string        `json:"@context"`
	Graph   []interface{} `json:"@graph"`
}

// Ref is a JSON-LD node reference
type Ref struct {
	ID string `json:"@id"`
}

type metadataDescriptor struct {
	ID         string `json:"@id"`
	Type       string `json:"@type"`
	About      Ref    `json:"about"`
	ConformsTo Ref    `json:"conformsTo"`
}

// Dataset is an investigation, study or assay
type Dataset struct {
	ID                   string       `json:"@id"`
	Type                 string       `json:"@type"`
	AdditionalType       string       `json:"additionalType"`
	Identifier           string       `json:"identifier"`
	Name                 string       `json:"name,omitempty"`
	Description          string       `json:"description,omitempty"`
	DateCreated          string       `json:"dateCreated,omitempty"`
	DatePublished        string       `json:"datePublished,omitempty"`
	MeasurementMethod    *DefinedTerm `json:"measurementMethod,omitempty"`
	MeasurementTechnique *DefinedTerm `json:"measurementTechnique,omitempty"`
	HasPart              []Ref        `json:"hasPart,omitempty"`
	Creator              []Ref        `json:"creator,omitempty"`
	Citation             []Ref        `json:"citation,omitempty"`
}

// DefinedTerm is an ontology annotation
type DefinedTerm struct {
	Type             string `json:"@type"`
	Name             string `json:"name"`
	TermCode         string `json:"termCode,omitempty"`
	InDefinedTermSet string `json:"inDefinedTermSet,omitempty"`
}

// Person is a contact of an investigation
type Person struct {
	ID             string        `json:"@id"`
	Type           string        `json:"@type"`
	GivenName      string        `json:"givenName,omitempty"`
	FamilyName     string        `json:"familyName,omitempty"`
	AdditionalName string        `json:"additionalName,omitempty"`
	Email          string        `json:"email,omitempty"`
	Telephone      string        `json:"telephone,omitempty"`
	FaxNumber      string        `json:"faxNumber,omitempty"`
	Address        string        `json:"address,omitempty"`
	Affiliation    string        `json:"affiliation,omitempty"`
	JobTitle       []DefinedTerm `json:"jobTitle,omitempty"`
}

// Publication is a scholarly article cited by an investigation
type Publication struct {
	ID         string `json:"@id"`
	Type       string `json:"@type"`
	Headline   string `json:"headline,omitempty"`
	Identifier string `json:"identifier,omitempty"`
	PubMedID   string `json:"pubMedID,omitempty"`
	Author     string `json:"author,omitempty"`
}
