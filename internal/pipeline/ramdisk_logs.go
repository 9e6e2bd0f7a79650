package pipeline

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RamdiskLogWriter persists the base64-encoded "logs" field a ramdisk may
// submit alongside introspection data. Grounded on process.py's
// _store_logs, which is invoked around every raise in process() plus, when
// always_store_ramdisk_logs is set, on every successful submission too.
type RamdiskLogWriter interface {
	Write(ctx context.Context, nodeUUID uuid.UUID, logs string) error
}

// FilesystemRamdiskLogWriter decodes and writes ramdisk logs under a
// configured directory, named by a filename template with "{uuid}" and
// "{timestamp}" placeholders.
type FilesystemRamdiskLogWriter struct {
	dir            string
	filenameFormat string
}

// NewFilesystemRamdiskLogWriter returns a writer rooted at dir. filenameFormat
// may reference "{uuid}" and "{timestamp}"; it defaults to
// "{uuid}_{timestamp}.log" when empty.
func NewFilesystemRamdiskLogWriter(dir, filenameFormat string) *FilesystemRamdiskLogWriter {
	if filenameFormat == "" {
		filenameFormat = "{uuid}_{timestamp}.log"
	}
	return &FilesystemRamdiskLogWriter{dir: dir, filenameFormat: filenameFormat}
}

func (w *FilesystemRamdiskLogWriter) Write(_ context.Context, nodeUUID uuid.UUID, logs string) error {
	if logs == "" {
		return nil
	}
	decoded, err := base64.StdEncoding.DecodeString(logs)
	if err != nil {
		return fmt.Errorf("pipeline: decoding ramdisk logs: %w", err)
	}

	idString := nodeUUID.String()
	if nodeUUID == uuid.Nil {
		idString = "unidentified"
	}

	name := strings.NewReplacer(
		"{uuid}", idString,
		"{timestamp}", time.Now().UTC().Format("20060102T150405Z"),
	).Replace(w.filenameFormat)

	if err := os.MkdirAll(w.dir, 0o750); err != nil {
		return fmt.Errorf("pipeline: creating ramdisk logs directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(w.dir, name), decoded, 0o640); err != nil {
		return fmt.Errorf("pipeline: writing ramdisk logs: %w", err)
	}
	return nil
}

// storeRamdiskLogsOnFailure writes the ramdisk's logs field whenever
// processing fails, regardless of the always_store_ramdisk_logs setting —
// process.py does this unconditionally around every raise.
func (p *Pipeline) storeRamdiskLogsOnFailure(ctx context.Context, nodeUUID uuid.UUID, data map[string]interface{}) {
	p.storeRamdiskLogs(ctx, nodeUUID, data)
}

func (p *Pipeline) storeRamdiskLogs(ctx context.Context, nodeUUID uuid.UUID, data map[string]interface{}) {
	if p.ramdisk == nil {
		return
	}
	logs, _ := data["logs"].(string)
	if logs == "" {
		return
	}
	if err := p.ramdisk.Write(ctx, nodeUUID, logs); err != nil {
		p.logger.Warn("failed to store ramdisk logs", zap.Error(err))
	}
}
