package savedlist

import (
	"context"
	"encoding/json"
	"io/fs"
	"path/filepath"

	"github.com/jmgilman/go/datasheet/artifact"
	"github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/fs/core"
)

const fileVersion = "1"

// DefaultFileName is the saved list file inside the saved documents
// directory.
const DefaultFileName = "parts.json"

type fileFormat struct {
	Version string   `json:"version"`
	Records []Record `json:"records"`
}

// JSONFile stores records as a single JSON document.
type JSONFile struct {
	fs   core.FS
	path string
}

// NewJSONFile returns a backend writing to path on fsys.
func NewJSONFile(fsys core.FS, path string) *JSONFile {
	return &JSONFile{fs: fsys, path: path}
}

// Path returns the file location.
func (j *JSONFile) Path() string {
	return j.path
}

// Load reads the file. A missing file yields no records. An unparsable file
// or one with an unknown version is renamed to <path>.corrupt and reported as
// an error for which IsCorrupt holds.
func (j *JSONFile) Load(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := j.fs.ReadFile(j.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, artifact.StorageIOFailed(err, "read saved list", j.path)
	}

	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, j.quarantine(errors.Wrap(err, errors.CodeSchemaFailed, "failed to parse saved list"))
	}
	if f.Version != fileVersion {
		return nil, j.quarantine(errors.Newf(errors.CodeSchemaVersionIncompatible,
			"unsupported saved list version %q (expected %s)", f.Version, fileVersion))
	}
	return f.Records, nil
}

func (j *JSONFile) quarantine(cause error) error {
	backup := j.path + ".corrupt"
	_ = j.fs.Remove(backup)
	if err := j.fs.Rename(j.path, backup); err != nil {
		backup = ""
		_ = j.fs.Remove(j.path)
	}
	return errors.WrapWithContext(cause, errors.CodeSchemaFailed, "saved list is corrupt",
		map[string]interface{}{"path": j.path, "backup": backup})
}

// Store writes records atomically through a temporary file and rename.
func (j *JSONFile) Store(ctx context.Context, records []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if records == nil {
		records = []Record{}
	}

	data, err := json.MarshalIndent(fileFormat{Version: fileVersion, Records: records}, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to marshal saved list")
	}

	if err := j.fs.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return artifact.StorageIOFailed(err, "create directory", filepath.Dir(j.path))
	}

	tmpPath := j.path + ".tmp"
	tmp, err := j.fs.Create(tmpPath)
	if err != nil {
		return artifact.StorageIOFailed(err, "create temporary saved list", tmpPath)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = j.fs.Remove(tmpPath)
		return artifact.StorageIOFailed(err, "write temporary saved list", tmpPath)
	}
	if err := tmp.Close(); err != nil {
		_ = j.fs.Remove(tmpPath)
		return artifact.StorageIOFailed(err, "close temporary saved list", tmpPath)
	}

	if err := j.fs.Rename(tmpPath, j.path); err != nil {
		// Some filesystems refuse to rename over an existing file.
		if rmErr := j.fs.Remove(j.path); rmErr == nil {
			err = j.fs.Rename(tmpPath, j.path)
		}
		if err != nil {
			_ = j.fs.Remove(tmpPath)
			return artifact.StorageIOFailed(err, "rename saved list", j.path)
		}
	}
	return nil
}

// Close is a no-op for the file backend.
func (j *JSONFile) Close() error {
	return nil
}
