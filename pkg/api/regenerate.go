package api

import (
	"fmt"
	"time"

	"github.com/tdeslauriers/carapace/pkg/validate"
)

const MaxRegenerateBatch int = 20 // max photo ids per regenerate call

// RegenerateRequest asks the remote derivative generation operation to build
// missing derivatives for the listed photos of one owner.
type RegenerateRequest struct {
	OwnerId  string   `json:"owner_id"`
	PhotoIds []string `json:"photo_ids"`
}

// Validate validates the regenerate request -> input validation.
func (r *RegenerateRequest) Validate() error {

	if !validate.IsValidUuid(r.OwnerId) {
		return fmt.Errorf("invalid owner id: %s", r.OwnerId)
	}

	if len(r.PhotoIds) == 0 {
		return fmt.Errorf("at least one photo id is required")
	}

	if len(r.PhotoIds) > MaxRegenerateBatch {
		return fmt.Errorf("regenerate request must be at most %d photo ids", MaxRegenerateBatch)
	}

	for _, id := range r.PhotoIds {
		if !validate.IsValidUuid(id) {
			return fmt.Errorf("invalid photo id: %s", id)
		}
	}

	return nil
}

// RegenerateResult is one repaired photo returned by the regenerate operation.
// Paths are set when the regenerating side knows them; urls are always set.
// Expiries are nil for public urls.
type RegenerateResult struct {
	Id                 string     `json:"id"`
	ThumbnailUrl       string     `json:"thumbnail_url"`
	MediumUrl          string     `json:"medium_url"`
	ThumbnailPath      string     `json:"thumbnail_path,omitempty"`
	MediumPath         string     `json:"medium_path,omitempty"`
	ThumbnailExpiresAt *time.Time `json:"thumbnail_expires_at,omitempty"`
	MediumExpiresAt    *time.Time `json:"medium_expires_at,omitempty"`
}

// RegenerateResponse is the wire envelope for regenerate results.
type RegenerateResponse struct {
	Results []RegenerateResult `json:"results"`
	Error   string             `json:"error,omitempty"`
}
