package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/roach88/recordflow/internal/model"
)

// FileSink appends entries as JSON lines to one file per batch range
// under Dir.
type FileSink struct {
	Dir string
}

// NewFileSink creates the directory if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &FileSink{Dir: dir}, nil
}

// Name identifies the sink in archive results.
func (f *FileSink) Name() string {
	return "file:" + f.Dir
}

// Write stores entries in audit-<first>-<last>.jsonl. Rewriting the same
// range replaces the file.
func (f *FileSink) Write(ctx context.Context, entries []model.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	name := fmt.Sprintf("audit-%012d-%012d.jsonl", entries[0].Seq, entries[len(entries)-1].Seq)
	path := filepath.Join(f.Dir, name)
	tmp := path + ".tmp"

	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	enc := json.NewEncoder(file)
	enc.SetEscapeHTML(false)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			file.Close()
			os.Remove(tmp)
			return fmt.Errorf("encode entry %d: %w", e.Seq, err)
		}
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync archive file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close archive file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename archive file: %w", err)
	}
	return nil
}
