package api

import "errors"

// Media pipeline error taxonomy. Errors returned by the pipeline, the gallery and
// the reconciler wrap one of these, so callers branch with errors.Is.
var (
	// ErrCaptureDecode means the source file is unreadable or corrupt. Not retried.
	ErrCaptureDecode = errors.New("capture decode failed")

	// ErrQuotaExceeded means the daily upload ceiling is reached. Not retryable today.
	ErrQuotaExceeded = errors.New("daily upload quota exceeded")

	// ErrDerivativeUpload means a required derivative put failed; siblings were rolled back.
	ErrDerivativeUpload = errors.New("derivative upload failed")

	// ErrMetadataCommit means the metadata row insert failed after blobs were written;
	// all blobs were rolled back.
	ErrMetadataCommit = errors.New("metadata commit failed")

	// ErrSigning means a url could not be signed for a stored derivative.
	ErrSigning = errors.New("url signing failed")

	// ErrReconcile means a backfill regenerate batch failed remotely.
	ErrReconcile = errors.New("backfill reconcile failed")

	// ErrCancelled means the batch was cancelled before the item finished.
	ErrCancelled = errors.New("upload cancelled")

	// ErrNotFound means the photo does not exist for the owner.
	ErrNotFound = errors.New("photo not found")
)

// Retryable reports whether a failed upload item may be retried by the user.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrQuotaExceeded), errors.Is(err, ErrCaptureDecode):
		return false
	default:
		return true
	}
}
