package model

import "time"

// Attribute identifies one extractable gemological attribute.
type Attribute string

const (
	AttrWeight  Attribute = "weight_carats"
	AttrLength  Attribute = "length_mm"
	AttrWidth   Attribute = "width_mm"
	AttrDepth   Attribute = "depth_mm"
	AttrColor   Attribute = "color"
	AttrCut     Attribute = "cut"
	AttrClarity Attribute = "clarity"
)

// Attributes lists every attribute the pipeline extracts, in display order.
var Attributes = []Attribute{
	AttrWeight, AttrLength, AttrWidth, AttrDepth,
	AttrColor, AttrCut, AttrClarity,
}

// MandatoryAttributes must resolve at or above the write threshold for a run
// to count as fully succeeded.
var MandatoryAttributes = []Attribute{AttrWeight, AttrColor}

// FieldSet holds one value per attribute. Absent attributes are simply not
// present in the map, never empty-string placeholders.
type FieldSet map[Attribute]string

// Get returns the value for attr and whether it is set.
func (f FieldSet) Get(attr Attribute) (string, bool) {
	v, ok := f[attr]
	return v, ok && v != ""
}

// Item is the physical object being analyzed. Manual fields are
// human-entered and authoritative; Derived fields are AI-sourced and only
// ever written through the merge policy.
type Item struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name,omitempty"`
	Images    []ImageAsset           `json:"images"`
	Manual    FieldSet               `json:"manual"`
	Derived   FieldSet               `json:"derived"`
	Primary   *PrimaryImageSelection `json:"primary,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// ImageAsset is one stored photo associated with an Item. Assets are
// immutable once created; the pipeline only annotates score and reasoning.
type ImageAsset struct {
	ItemID       string   `json:"item_id"`
	Ordinal      int      `json:"ordinal"`
	Location     string   `json:"location"`
	PriorPrimary bool     `json:"prior_primary,omitempty"`
	Score        *float64 `json:"score,omitempty"`
	Reasoning    string   `json:"reasoning,omitempty"`
}
