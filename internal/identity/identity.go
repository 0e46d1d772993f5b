// Package identity manages the local node's Ed25519 keypair and the
// NodeID derived from it. The private key is stored as a 64-byte raw
// Ed25519 key in a file named node_key with mode 0600, and the public
// key is stored separately as a 32-byte file named node_key.pub so
// that other tooling can read a node's identity without touching its
// secret.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/aankur/Deuxfleurs-garage/internal/errs"
)

const (
	privateKeyFile = "node_key"
	publicKeyFile  = "node_key.pub"

	privateKeyMode fs.FileMode = 0o600
	publicKeyMode  fs.FileMode = 0o644
)

// NodeID is the 32-byte public identifier of a node, equal to its
// Ed25519 public key.
type NodeID [ed25519.PublicKeySize]byte

func (id NodeID) String() string {
	return fmt.Sprintf("%x", id[:])
}

// Bytes returns the raw 32-byte identifier.
func (id NodeID) Bytes() []byte {
	return id[:]
}

// IsZero reports whether id is the zero value.
func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

// NodeIDFromPublicKey derives a NodeID from a raw Ed25519 public key.
func NodeIDFromPublicKey(pub ed25519.PublicKey) (NodeID, error) {
	if len(pub) != ed25519.PublicKeySize {
		return NodeID{}, errs.New(errs.BadRequest, "public key has wrong size")
	}
	var id NodeID
	copy(id[:], pub)
	return id, nil
}

// Identity holds the local node's keypair.
type Identity struct {
	ID         NodeID
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// Sign signs msg with the node's private key.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.PrivateKey, msg)
}

// LoadOrGenerate reads the keypair from metadataDir, generating and
// persisting a fresh one if none exists yet.
func LoadOrGenerate(metadataDir string) (*Identity, error) {
	privPath := filepath.Join(metadataDir, privateKeyFile)
	pubPath := filepath.Join(metadataDir, publicKeyFile)

	privBytes, err := os.ReadFile(privPath)
	switch {
	case err == nil:
		return loadFromBytes(privBytes)
	case os.IsNotExist(err):
		return generate(metadataDir, privPath, pubPath)
	default:
		return nil, errs.Wrap(errs.Io, "reading node private key", err)
	}
}

func loadFromBytes(privBytes []byte) (*Identity, error) {
	if len(privBytes) != ed25519.PrivateKeySize {
		return nil, errs.New(errs.CorruptData, "node_key has wrong length")
	}
	priv := ed25519.PrivateKey(privBytes)
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, errs.New(errs.CorruptData, "node_key has no derivable public key")
	}
	id, err := NodeIDFromPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return &Identity{ID: id, PublicKey: pub, PrivateKey: priv}, nil
}

func generate(metadataDir, privPath, pubPath string) (*Identity, error) {
	if err := os.MkdirAll(metadataDir, 0o700); err != nil {
		return nil, errs.Wrap(errs.Io, "creating metadata dir", err)
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errs.Wrap(errs.Io, "generating ed25519 keypair", err)
	}
	if err := writeFileAtomic(privPath, priv, privateKeyMode); err != nil {
		return nil, err
	}
	if err := writeFileAtomic(pubPath, pub, publicKeyMode); err != nil {
		return nil, err
	}
	id, err := NodeIDFromPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return &Identity{ID: id, PublicKey: pub, PrivateKey: priv}, nil
}

// writeFileAtomic writes data to a temp file in the same directory as
// path, then renames it into place, so a crash mid-write never leaves
// a truncated key file behind.
func writeFileAtomic(path string, data []byte, mode fs.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errs.Wrap(errs.Io, "creating temp key file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errs.Wrap(errs.Io, "writing key file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errs.Wrap(errs.Io, "syncing key file", err)
	}
	if err := tmp.Close(); err != nil {
		return errs.Wrap(errs.Io, "closing key file", err)
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		return errs.Wrap(errs.Io, "setting key file permissions", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errs.Wrap(errs.Io, "renaming key file into place", err)
	}
	return nil
}

// ReadNodeID reads only the public key file, without requiring access
// to the private key, for tooling that needs to learn a node's
// identity without unlocking it.
func ReadNodeID(metadataDir string) (NodeID, error) {
	pubPath := filepath.Join(metadataDir, publicKeyFile)
	pubBytes, err := os.ReadFile(pubPath)
	if err != nil {
		if os.IsNotExist(err) {
			return NodeID{}, errs.New(errs.NotFound, "node_key.pub does not exist")
		}
		return NodeID{}, errs.Wrap(errs.Io, "reading node_key.pub", err)
	}
	if len(pubBytes) != ed25519.PublicKeySize {
		return NodeID{}, errs.New(errs.CorruptData, "node_key.pub has wrong length")
	}
	return NodeIDFromPublicKey(pubBytes)
}
