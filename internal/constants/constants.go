// Package constants provides shared constants used across the codebase.
package constants

import "time"

// Pagination constants
const (
	// DefaultPageSize is the number of items requested per page when listing
	// a managed face collection.
	DefaultPageSize = 1000
)

// Processing constants
const (
	// WorkerPoolSize is the default number of images the CLI processes in parallel
	WorkerPoolSize = 20

	// MaxImageSize is the maximum dimension (width or height) sent to a detector
	MaxImageSize = 1920

	// ShutdownTimeout bounds graceful shutdown of servers and workers
	ShutdownTimeout = 30 * time.Second

	// HNSWSaveInterval is the number of processed images between snapshots of
	// a persisted in-process index
	HNSWSaveInterval = 50
)
