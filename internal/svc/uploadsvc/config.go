// Package uploadsvc implements the upload-and-process pipeline: the
// connection handler that frames and persists incoming images, the
// size-priority queue that schedules them, the single worker that runs the
// image engine over each one, and the acceptor/supervisor that ties the
// three together. The connection handler also answers the status endpoints.
package uploadsvc

import (
	"strings"

	"github.com/mkrupp/imgqueue/internal/infra/config"
	"github.com/mkrupp/imgqueue/internal/infra/rawhttp"
)

// QueueCapacity is the priority queue's fixed capacity (Q in the spec).
const QueueCapacity = 100

// ConnectionCapacity is the connection table's fixed capacity (C in the spec).
const ConnectionCapacity = 50

// Config holds the environment-driven settings for the upload pipeline.
type Config struct {
	config.EnvConfig

	// Port is the TCP port the acceptor listens on.
	Port int `env:"PORT" default:"1717"`

	// MaxConnections bounds concurrent accepted connections; admission
	// control rejects the (MaxConnections+1)th with 503. Clamped to
	// ConnectionCapacity, the hard ceiling.
	MaxConnections int `env:"MAX_CONNECTIONS" default:"50"`

	// MaxImageSizeMB bounds a multipart payload's size in mebibytes.
	// Clamped to rawhttp.MaxRequestSize, the hard 50 MiB ceiling.
	MaxImageSizeMB int `env:"MAX_IMAGE_SIZE_MB" default:"50"`

	// SupportedFormats is a comma-separated list of accepted file
	// extensions, matched case-insensitively.
	SupportedFormats string `env:"SUPPORTED_FORMATS" default:"jpg,jpeg,png,gif"`

	// TempPath holds persisted-but-unprocessed uploads.
	TempPath string `env:"TEMP_PATH" default:"var/tmp/uploadsvc"`

	// ProcessedPath holds every equalized output, regardless of color.
	ProcessedPath string `env:"PROCESSED_PATH" default:"var/storage/processed"`

	// RedPath, GreenPath, BluePath hold classified copies by dominant color.
	RedPath   string `env:"RED_PATH" default:"var/storage/red"`
	GreenPath string `env:"GREEN_PATH" default:"var/storage/green"`
	BluePath  string `env:"BLUE_PATH" default:"var/storage/blue"`
}

// MaxImageSizeBytes returns the effective payload-size ceiling: the
// configured value, never exceeding rawhttp.MaxRequestSize.
func (c Config) MaxImageSizeBytes() int64 {
	configured := int64(c.MaxImageSizeMB) * 1024 * 1024

	if configured <= 0 || configured > rawhttp.MaxRequestSize {
		return rawhttp.MaxRequestSize
	}

	return configured
}

// MaxConnectionsEffective returns the configured connection admission
// threshold, never exceeding ConnectionCapacity.
func (c Config) MaxConnectionsEffective() int {
	if c.MaxConnections <= 0 || c.MaxConnections > ConnectionCapacity {
		return ConnectionCapacity
	}

	return c.MaxConnections
}

// IsSupportedExtension reports whether ext (with or without a leading dot)
// is in the configured supported-formats set, case-insensitively.
func (c Config) IsSupportedExtension(ext string) bool {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))

	for _, format := range strings.Split(c.SupportedFormats, ",") {
		if strings.ToLower(strings.TrimSpace(format)) == ext {
			return true
		}
	}

	return false
}
