package model

import "time"

// EntityKind distinguishes the catalog product families.
type EntityKind string

const (
	KindComic EntityKind = "comic"
	KindFunko EntityKind = "funko"
)

// Field is a canonical catalog attribute.
type Field string

const (
	FieldTitle         Field = "title"
	FieldSeries        Field = "series"
	FieldIssueNumber   Field = "issue_number"
	FieldPublisher     Field = "publisher"
	FieldReleaseYear   Field = "release_year"
	FieldCreators      Field = "creators"
	FieldCoverImageURL Field = "cover_image_url"
	FieldDescription   Field = "description"
	FieldPriceCents    Field = "price_cents"

	// FieldExternalID labels match review entries, whose candidates carry
	// source record ids rather than field values.
	FieldExternalID Field = "external_id"
)

// CanonicalFields lists every field the merge step knows about, in write order.
func CanonicalFields() []Field {
	return []Field{
		FieldTitle, FieldSeries, FieldIssueNumber, FieldPublisher, FieldReleaseYear,
		FieldCreators, FieldCoverImageURL, FieldDescription, FieldPriceCents,
	}
}

// Numeric reports whether values of the field compare as integers.
func (f Field) Numeric() bool {
	return f == FieldReleaseYear || f == FieldPriceCents
}

// Provenance records where a field value came from.
type Provenance struct {
	Source     SourceID  `json:"source"`
	FetchedAt  time.Time `json:"fetched_at"`
	Confidence float64   `json:"confidence"`
}

// FieldValue is a stored or candidate value with its provenance.
type FieldValue struct {
	Value      string     `json:"value"`
	Provenance Provenance `json:"provenance"`
}

// Entity is a catalog item being enriched.
type Entity struct {
	ID          int64                  `json:"id"`
	SKU         string                 `json:"sku"`
	Kind        EntityKind             `json:"kind"`
	UPC         string                 `json:"upc,omitempty"`
	ISBN        string                 `json:"isbn,omitempty"`
	ExternalIDs map[SourceID]string    `json:"external_ids,omitempty"`
	Fields      map[Field]FieldValue   `json:"fields,omitempty"`
	LastSynced  map[SourceID]time.Time `json:"last_synced,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	DeletedAt   *time.Time             `json:"deleted_at,omitempty"`
}

// Value returns the stored value of f, or "" when unset.
func (e *Entity) Value(f Field) string {
	if e.Fields == nil {
		return ""
	}
	return e.Fields[f].Value
}

// Stored returns the stored value of f and whether it exists.
func (e *Entity) Stored(f Field) (FieldValue, bool) {
	if e.Fields == nil {
		return FieldValue{}, false
	}
	v, ok := e.Fields[f]
	return v, ok
}
