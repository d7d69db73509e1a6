package store

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"simpledb/pkg/codec"
	"simpledb/pkg/dberrors"
)

// On-disk layout under the store root.
const (
	versionFileName    = "version"
	newVersionFileName = "new_version"
	checkpointPrefix   = "checkpoint."
	logPrefix          = "logfile."
)

func markerPath(root string) string {
	return filepath.Join(root, versionFileName)
}

func pendingMarkerPath(root string) string {
	return filepath.Join(root, newVersionFileName)
}

func checkpointPath(root string, version uint64) string {
	return filepath.Join(root, checkpointPrefix+strconv.FormatUint(version, 10))
}

func logPath(root string, version uint64) string {
	return filepath.Join(root, logPrefix+strconv.FormatUint(version, 10))
}

// parseArtifact recognizes checkpoint.<N> and logfile.<N> names.
func parseArtifact(name string) (uint64, bool) {
	for _, prefix := range []string{checkpointPrefix, logPrefix} {
		if rest, ok := strings.CutPrefix(name, prefix); ok {
			v, err := strconv.ParseUint(rest, 10, 64)
			return v, err == nil
		}
	}
	return 0, false
}

// writeMarker durably writes the decimal version into path.
func writeMarker(fs afero.Fs, path string, version uint64) error {
	f, err := fs.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write([]byte(strconv.FormatUint(version, 10))); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// readMarker returns the version stored in path. ok is false when the marker
// does not exist.
func readMarker(fs afero.Fs, path string) (version uint64, ok bool, err error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, err
	}

	version, err = strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, true, fmt.Errorf("malformed version marker %s: %w", path, err)
	}
	return version, true, nil
}

// writeCheckpoint serializes records as a flat sequence of framed key/value
// pairs and forces the file to stable storage.
func writeCheckpoint(fs afero.Fs, path string, records *recordSet) (err error) {
	f, err := fs.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	w := bufio.NewWriterSize(f, 64*1024)
	var buf []byte
	records.Range(func(key, value []byte) bool {
		buf = codec.AppendBytes(buf[:0], key)
		buf = codec.AppendBytes(buf, value)
		_, err = w.Write(buf)
		return err == nil
	})
	if err != nil {
		return err
	}

	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

// loadCheckpoint reads a checkpoint file into a fresh record set.
func loadCheckpoint(fs afero.Fs, path string) (*recordSet, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", dberrors.ErrLoadCheckpoint, err)
	}
	defer f.Close()

	records := newRecordSet()
	r := bufio.NewReader(f)
	for {
		key, err := codec.ReadBytes(r)
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s: key: %w", dberrors.ErrLoadCheckpoint, path, err)
		}

		value, err := codec.ReadBytes(r)
		if errors.Is(err, io.EOF) {
			err = codec.ErrTruncated
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s: value of %q: %w", dberrors.ErrLoadCheckpoint, path, key, err)
		}

		records.Store(key, value)
	}
}

func removeIfExists(fs afero.Fs, path string) error {
	if err := fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// syncDir makes renames, creations and removals inside dir durable.
func syncDir(fs afero.Fs, dir string) error {
	d, err := fs.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open store directory: %w", err)
	}
	if err := d.Sync(); err != nil {
		_ = d.Close()
		return fmt.Errorf("failed to sync store directory: %w", err)
	}
	return d.Close()
}
