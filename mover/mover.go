// Package mover copies binary objects between storage locations through a
// local scratch file.
package mover

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"ifcscheduler/logging"
)

// Source is a readable object in some remote storage.
type Source interface {
	Fetch(ctx context.Context, token string, w io.Writer) error
	String() string
}

// ObjectStore uploads a local file into a bucket and returns the new object id.
type ObjectStore interface {
	Upload(ctx context.Context, token, bucket, key, path string) (string, error)
}

// Archiver mirrors a transferred file elsewhere.
type Archiver interface {
	Archive(ctx context.Context, localPath, key string) error
}

type Option func(*moveOptions)

type moveOptions struct {
	archiveKey string
}

// ArchiveAs mirrors the transferred file under key when an archiver is set.
func ArchiveAs(key string) Option {
	return func(o *moveOptions) { o.archiveKey = key }
}

type Mover struct {
	store      ObjectStore
	scratchDir string
	archive    Archiver
	logger     *slog.Logger
}

func New(store ObjectStore, scratchDir string, logger *slog.Logger) *Mover {
	if scratchDir == "" {
		scratchDir = os.TempDir()
	}
	return &Mover{store: store, scratchDir: scratchDir, logger: logging.OrDefault(logger)}
}

// WithArchive enables mirroring for moves that request it.
func (m *Mover) WithArchive(a Archiver) *Mover {
	m.archive = a
	return m
}

// Move streams src into a scratch file and uploads it to bucket/objectName,
// returning the new object id. The scratch file never outlives the call.
func (m *Mover) Move(ctx context.Context, src Source, bucket, objectName, token string, opts ...Option) (string, error) {
	var o moveOptions
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(m.scratchDir, 0o755); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}

	scratch, err := os.CreateTemp(m.scratchDir, "move-*-"+scratchSuffix(objectName))
	if err != nil {
		return "", fmt.Errorf("create scratch file: %w", err)
	}
	scratchPath := scratch.Name()
	defer func() {
		if err := os.Remove(scratchPath); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("mover.scratch.cleanup_failed", "path", scratchPath, "error", err)
		}
	}()

	if err := src.Fetch(ctx, token, scratch); err != nil {
		_ = scratch.Close()
		return "", fmt.Errorf("fetch %s: %w", src, err)
	}
	if err := scratch.Close(); err != nil {
		return "", fmt.Errorf("close scratch file: %w", err)
	}

	objectID, err := m.store.Upload(ctx, token, bucket, objectName, scratchPath)
	if err != nil {
		return "", fmt.Errorf("upload %s/%s: %w", bucket, objectName, err)
	}

	if m.archive != nil && o.archiveKey != "" {
		if err := m.archive.Archive(ctx, scratchPath, o.archiveKey); err != nil {
			m.logger.Warn("mover.archive.failed", "key", o.archiveKey, "error", err)
		}
	}

	m.logger.Info("mover.move.completed", "source", src.String(), "bucket", bucket, "object", objectName)
	return objectID, nil
}

func scratchSuffix(objectName string) string {
	name := filepath.Base(objectName)
	return strings.NewReplacer("*", "_", string(os.PathSeparator), "_").Replace(name)
}
