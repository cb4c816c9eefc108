package api

import (
	"fmt"
	"time"

	"github.com/tdeslauriers/carapace/pkg/validate"
)

const (
	NotesMaxLength = 2000 // Maximum length of free text notes on a photo
)

// BodyRegion is the closed set of body locations a photo can be tagged with.
type BodyRegion string

const (
	RegionFace      BodyRegion = "face"
	RegionScalp     BodyRegion = "scalp"
	RegionNeck      BodyRegion = "neck"
	RegionChest     BodyRegion = "chest"
	RegionBack      BodyRegion = "back"
	RegionAbdomen   BodyRegion = "abdomen"
	RegionLeftArm   BodyRegion = "left_arm"
	RegionRightArm  BodyRegion = "right_arm"
	RegionLeftHand  BodyRegion = "left_hand"
	RegionRightHand BodyRegion = "right_hand"
	RegionLeftLeg   BodyRegion = "left_leg"
	RegionRightLeg  BodyRegion = "right_leg"
	RegionLeftFoot  BodyRegion = "left_foot"
	RegionRightFoot BodyRegion = "right_foot"
	RegionOther     BodyRegion = "other"
)

var bodyRegions = map[BodyRegion]struct{}{
	RegionFace:      {},
	RegionScalp:     {},
	RegionNeck:      {},
	RegionChest:     {},
	RegionBack:      {},
	RegionAbdomen:   {},
	RegionLeftArm:   {},
	RegionRightArm:  {},
	RegionLeftHand:  {},
	RegionRightHand: {},
	RegionLeftLeg:   {},
	RegionRightLeg:  {},
	RegionLeftFoot:  {},
	RegionRightFoot: {},
	RegionOther:     {},
}

// Validate checks the body region is one of the known tags.
func (r BodyRegion) Validate() error {
	if _, ok := bodyRegions[r]; !ok {
		return fmt.Errorf("invalid body region: '%s'", r)
	}
	return nil
}

// Variant names one of the three derivative slots of a photo.
type Variant string

const (
	VariantThumbnail Variant = "thumbnail"
	VariantMedium    Variant = "medium"
	VariantOriginal  Variant = "original"
)

// Variants is the canonical ordering of derivative slots.
var Variants = []Variant{VariantThumbnail, VariantMedium, VariantOriginal}

// Derivatives holds the object store paths of a photo's derivatives.
// An empty string means the derivative is absent.
type Derivatives struct {
	Thumbnail string `json:"thumbnail,omitempty"`
	Medium    string `json:"medium,omitempty"`
	Original  string `json:"original,omitempty"`
}

// Path returns the stored path for the variant, or "" if absent.
func (d Derivatives) Path(v Variant) string {
	switch v {
	case VariantThumbnail:
		return d.Thumbnail
	case VariantMedium:
		return d.Medium
	case VariantOriginal:
		return d.Original
	default:
		return ""
	}
}

// Set returns a copy of the derivatives with the variant's path replaced.
func (d Derivatives) Set(v Variant, path string) Derivatives {
	switch v {
	case VariantThumbnail:
		d.Thumbnail = path
	case VariantMedium:
		d.Medium = path
	case VariantOriginal:
		d.Original = path
	}
	return d
}

// Paths returns all non-empty derivative paths.
func (d Derivatives) Paths() []string {
	paths := make([]string, 0, 3)
	for _, v := range Variants {
		if p := d.Path(v); p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

// Photo is the central media entity: one uploaded body photo and its derivatives.
type Photo struct {
	Id          string      `json:"id"`
	OwnerId     string      `json:"owner_id"`
	BodyRegion  BodyRegion  `json:"body_region"`
	Derivatives Derivatives `json:"derivatives"`

	// CapturedAt is recovered from source image metadata, nil when the source had none.
	CapturedAt *time.Time `json:"captured_at,omitempty"`

	// UploadedAt is assigned by the metadata store at insert time.
	UploadedAt time.Time `json:"uploaded_at"`

	Notes string `json:"notes,omitempty"`
}

// DisplayTimestamp is the timestamp used for all user-facing ordering:
// capture time when known, otherwise upload time.
func (p Photo) DisplayTimestamp() time.Time {
	if p.CapturedAt != nil {
		return *p.CapturedAt
	}
	return p.UploadedAt
}

// Complete reports whether the required thumbnail and medium derivatives are present.
func (p Photo) Complete() bool {
	return p.Derivatives.Thumbnail != "" && p.Derivatives.Medium != ""
}

// NeedsBackfill reports whether the thumbnail derivative is missing.
func (p Photo) NeedsBackfill() bool {
	return p.Derivatives.Thumbnail == ""
}

// Validate validates the photo fields that are supplied by callers.
func (p *Photo) Validate() error {

	if p.Id != "" && !validate.IsValidUuid(p.Id) {
		return fmt.Errorf("invalid photo id: %s", p.Id)
	}

	if !validate.IsValidUuid(p.OwnerId) {
		return fmt.Errorf("invalid owner id: %s", p.OwnerId)
	}

	if err := p.BodyRegion.Validate(); err != nil {
		return err
	}

	if len(p.Notes) > NotesMaxLength {
		return fmt.Errorf("notes must be at most %d characters", NotesMaxLength)
	}

	return nil
}

// Filter narrows a gallery query. All queries are already scoped by owner.
type Filter struct {
	BodyRegion *BodyRegion `json:"body_region,omitempty"`
}

// SortDirection is the ordering of the gallery by display timestamp.
type SortDirection string

const (
	SortDesc SortDirection = "desc"
	SortAsc  SortDirection = "asc"
)

// Validate checks the sort direction is known.
func (s SortDirection) Validate() error {
	if s != SortDesc && s != SortAsc {
		return fmt.Errorf("invalid sort direction: '%s'", s)
	}
	return nil
}
