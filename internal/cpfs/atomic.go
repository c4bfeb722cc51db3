package cpfs

import (
	"os"
	"path/filepath"

	cperrors "github.com/command-post/engine/pkg/errors"
)

// AtomicWrite writes data to a temp file in path's directory, fsyncs it,
// then renames it over path. Rename within the same directory is the
// atomicity boundary callers rely on; the temp file is removed on any
// failure along the way.
func AtomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return cperrors.NewFileSystemError(path, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return cperrors.NewFileSystemError(path, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return cperrors.NewFileSystemError(path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return cperrors.NewFileSystemError(path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return cperrors.NewFileSystemError(path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return cperrors.NewFileSystemError(path, err)
	}
	return nil
}

// ReadOrEmpty reads path, returning (nil, nil) when the file does not
// exist — readers treat a missing file as empty, never as an error.
func ReadOrEmpty(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, cperrors.NewFileSystemError(path, err)
	}
	return data, nil
}

// ListJSONFiles returns the base names of every *.json file directly
// under dir, sorted. A missing directory yields an empty slice, not an
// error — a store whose directory has never been created has no
// records yet.
func ListJSONFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, cperrors.NewFileSystemError(dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
