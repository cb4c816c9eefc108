package upload

import (
	"fmt"

	"github.com/tdeslauriers/carapace/pkg/validate"
	"github.com/tdeslauriers/derma/pkg/api"
)

// State is a step of the per-item upload state machine:
// pending → normalizing → encoding → uploading → committing → success | failed.
type State string

const (
	StatePending     State = "pending"
	StateNormalizing State = "normalizing"
	StateEncoding    State = "encoding"
	StateUploading   State = "uploading"
	StateCommitting  State = "committing"
	StateSuccess     State = "success"
	StateFailed      State = "failed"
)

// Terminal reports whether the state ends the item's run.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailed
}

// Item is one photo submitted for upload.
type Item struct {
	OwnerId    string
	Raw        []byte
	Filename   string
	BodyRegion api.BodyRegion
	Notes      string
}

// Validate checks the caller supplied fields of the item.
func (i *Item) Validate() error {

	if !validate.IsValidUuid(i.OwnerId) {
		return fmt.Errorf("invalid owner id: %s", i.OwnerId)
	}

	if err := i.BodyRegion.Validate(); err != nil {
		return err
	}

	if len(i.Notes) > api.NotesMaxLength {
		return fmt.Errorf("notes must be at most %d characters", api.NotesMaxLength)
	}

	return nil
}

// Result is the observable state of one batch item.
type Result struct {
	Index int
	State State
	Photo *api.Photo // set on success
	Err   error      // set on failure
}

// Retryable reports whether the item failed with an error the user may retry.
func (r Result) Retryable() bool {
	return r.State == StateFailed && api.Retryable(r.Err)
}

// Observer is notified of every state transition of a batch item.
// It is called from the goroutine running the item and must not block.
type Observer func(r Result)

// Publisher receives photos committed by the pipeline, eg, a gallery feed
// merging optimistic inserts.
type Publisher interface {
	Insert(p api.Photo)
}
