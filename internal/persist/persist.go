// Package persist implements the atomic, framed flat-file store used
// for the node's durable state: cluster_layout and peer_list.
//
// Files are written with a temp-file-then-rename sequence so a crash
// mid-write never corrupts the previous contents, and framed with a
// length prefix plus a trailing sha256 hash so a truncated or
// bit-rotted read is detected rather than silently accepted.
package persist

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/aankur/Deuxfleurs-garage/internal/errs"
)

// Persister stores a single named blob per file under a base directory.
type Persister struct {
	baseDir string
}

// New returns a Persister rooted at baseDir. Save creates baseDir if it
// does not exist yet; callers typically reuse the node's metadata
// directory.
func New(baseDir string) *Persister {
	return &Persister{baseDir: baseDir}
}

func (p *Persister) path(name string) string {
	return filepath.Join(p.baseDir, name)
}

// Save atomically writes payload under name, framed as
// "uint32 BE length | payload | sha256(payload)".
func (p *Persister) Save(name string, payload []byte) error {
	var buf bytes.Buffer
	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(payload)))
	buf.Write(lenBytes[:])
	buf.Write(payload)
	sum := sha256.Sum256(payload)
	buf.Write(sum[:])

	target := p.path(name)
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errs.Wrap(errs.Io, "creating persist dir", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(target)+".tmp-*")
	if err != nil {
		return errs.Wrap(errs.Io, "creating temp file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return errs.Wrap(errs.Io, "writing temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errs.Wrap(errs.Io, "syncing temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return errs.Wrap(errs.Io, "closing temp file", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return errs.Wrap(errs.Io, "renaming temp file into place", err)
	}
	return nil
}

// Load reads and validates the blob stored under name, returning
// errs.NotFound if it doesn't exist and errs.CorruptData if the
// length prefix or trailing hash don't check out.
func (p *Persister) Load(name string) ([]byte, error) {
	raw, err := os.ReadFile(p.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.NotFound, name+" does not exist")
		}
		return nil, errs.Wrap(errs.Io, "reading "+name, err)
	}

	const overhead = 4 + sha256.Size
	if len(raw) < overhead {
		return nil, errs.New(errs.CorruptData, name+" is too short to be valid")
	}

	length := binary.BigEndian.Uint32(raw[:4])
	rest := raw[4:]
	if uint64(len(rest)) != uint64(length)+sha256.Size {
		return nil, errs.New(errs.CorruptData, name+" length prefix does not match file size")
	}

	payload := rest[:length]
	trailer := rest[length:]
	sum := sha256.Sum256(payload)
	if !bytes.Equal(sum[:], trailer) {
		return nil, errs.New(errs.CorruptData, name+" failed hash verification")
	}

	out := make([]byte, len(payload))
	copy(out, payload)
	return out, nil
}

// Exists reports whether name has been saved before.
func (p *Persister) Exists(name string) bool {
	_, err := os.Stat(p.path(name))
	return err == nil
}
