package util

import "time"

// derivative encoding targets
const (
	ThumbnailMaxSide int = 320  // longest side in pixels of the grid thumbnail
	MediumMaxSide    int = 1280 // longest side in pixels of the fullscreen/compare derivative

	ThumbnailQuality int = 70 // webp quality
	MediumQuality    int = 80 // webp quality
	OriginalQuality  int = 92 // jpeg quality, export fidelity
)

// pipeline defaults
const (
	DefaultDailyUploadCeiling int = 2
	DefaultUploadConcurrency  int = 2
	DefaultBackfillBatch      int = 20

	DefaultSignTtl        time.Duration = 24 * time.Hour
	DefaultSignMargin     time.Duration = time.Hour
	DefaultNetworkTimeout time.Duration = 30 * time.Second

	// derivatives are immutable once written
	DerivativeCacheControl = "private, max-age=31536000, immutable"
)
