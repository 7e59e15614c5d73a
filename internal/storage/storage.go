// Package storage implements the content-addressed storage directory of
// spec §3 ("File Descriptor") and §6 ("Persisted state"):
// <storage_path>/<multihash[0:2]>/<multihash>. Writes are write-once and
// verified against the declared multihash so the invariant in spec §4.7
// ("clearing skipped only happens when the written file hashes to
// multihash") holds regardless of caller.
package storage

import (
	"bytes"
	"io"
	"os"
	"path/filepath"

	mh "github.com/multiformats/go-multihash"

	"github.com/creator-network/creator-node/internal/errs"
)

// Dir is a content-addressed directory rooted at a local path.
type Dir struct {
	root string
}

// NewDir returns a Dir rooted at root, creating it if necessary.
func NewDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errs.Wrap(errs.CommitFailed, err, "create storage root")
	}
	return &Dir{root: root}, nil
}

// PathFor returns the on-disk path for a given multihash string without
// touching the filesystem.
func (d *Dir) PathFor(multihash string) string {
	prefix := multihash
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return filepath.Join(d.root, prefix, multihash)
}

// Exists reports whether bytes are already stored for multihash.
func (d *Dir) Exists(multihash string) bool {
	_, err := os.Stat(d.PathFor(multihash))
	return err == nil
}

// Write verifies data hashes to multihash and writes it write-once to the
// content-addressed path. Returns the path written.
func (d *Dir) Write(multihash string, data []byte) (string, error) {
	if err := Verify(multihash, data); err != nil {
		return "", err
	}
	path := d.PathFor(multihash)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", errs.Wrap(errs.CommitFailed, err, "create storage shard dir")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", errs.Wrap(errs.CommitFailed, err, "write temp file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", errs.Wrap(errs.CommitFailed, err, "finalize content-addressed file")
	}
	return path, nil
}

// Read returns the bytes stored at path and re-verifies them against
// multihash, enforcing the skipped=false invariant on every read.
func Read(path, multihash string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := Verify(multihash, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Verify reports whether data hashes to the decoded multihash string.
func Verify(multihash string, data []byte) error {
	decoded, err := mh.FromB58String(multihash)
	if err != nil {
		return errs.Wrap(errs.CommitFailed, err, "decode multihash")
	}
	decodedMH, err := mh.Decode(decoded)
	if err != nil {
		return errs.Wrap(errs.CommitFailed, err, "decode multihash digest")
	}
	sum, err := mh.Sum(data, decodedMH.Code, -1)
	if err != nil {
		return errs.Wrap(errs.CommitFailed, err, "compute multihash of stored bytes")
	}
	if !bytes.Equal(sum, decoded) {
		return errs.New(errs.CommitFailed, "content does not hash to declared multihash "+multihash)
	}
	return nil
}

// CopyFrom reads r fully into memory and stores the bytes through Write,
// which verifies them against multihash before writing.
func (d *Dir) CopyFrom(multihash string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", errs.Wrap(errs.CommitFailed, err, "read fetched content")
	}
	return d.Write(multihash, data)
}
