package storage

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// writeFileAtomicDurable commits content to path via write-temp → fsync
// temp → rename → fsync dir, the crash-safe commit-point recipe grounded on
// node/store/manifest.go's writeManifestAtomic. Used for index files and
// checkpoint files; the package has no superblock file.
func writeFileAtomicDurable(path string, content []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return fmt.Errorf("storage: open tmp: %w", err)
	}
	_, werr := f.Write(content)
	serr := f.Sync()
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("storage: write tmp: %w", werr)
	}
	if serr != nil {
		return fmt.Errorf("storage: fsync tmp: %w", serr)
	}
	if cerr != nil {
		return fmt.Errorf("storage: close tmp: %w", cerr)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("storage: rename: %w", err)
	}

	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("storage: fsync dir open: %w", err)
	}
	if err := d.Sync(); err != nil {
		_ = d.Close()
		return fmt.Errorf("storage: fsync dir: %w", err)
	}
	return d.Close()
}

// writeFileIfAbsent creates path with content if it doesn't exist yet, or
// verifies the existing content is byte-identical. Grounded on
// node/blockstore.go's writeFileIfAbsent (O_EXCL create-or-verify pattern).
// Segment files are not written through it (segment.appendRecord appends
// to them); only the package's tests call it.
func writeFileIfAbsent(path string, content []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err == nil {
		_, writeErr := f.Write(content)
		closeErr := f.Close()
		if writeErr != nil {
			_ = os.Remove(path)
			return writeErr
		}
		if closeErr != nil {
			_ = os.Remove(path)
			return closeErr
		}
		return nil
	}
	if !errors.Is(err, os.ErrExist) {
		return err
	}
	existing, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if !bytes.Equal(existing, content) {
		return fmt.Errorf("storage: file already exists with different content: %s", path)
	}
	return nil
}
