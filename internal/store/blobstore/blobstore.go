// Package blobstore is the reference BlobStore implementation: a
// content-addressed file tree with a public-mirror side tree for shared
// links.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/cloudillo/cloudillo-sub008/internal/store"
)

var log = logrus.WithFields(logrus.Fields{"component": "BlobStore"})

// Store is the reference BlobStore: private per-tenant blobs under dataDir,
// with publicly-mirrored blobs hard-linked into publicDataDir so they can
// be served without going through the tenant's access checks.
type Store struct {
	dataDir       string
	publicDataDir string
}

// New returns a BlobStore rooted at dataDir, mirroring public blobs into
// publicDataDir.
func New(dataDir, publicDataDir string) *Store {
	return &Store{dataDir: dataDir, publicDataDir: publicDataDir}
}

var _ store.BlobStore = (*Store)(nil)

func (s *Store) path(root string, tnId store.TnId, fileId, label string) string {
	name := fileId
	if label != "" {
		name = fileId + "." + label
	}
	// two-level fan-out on the hash prefix, same idea as git's object store.
	return filepath.Join(root, fmt.Sprint(tnId), fileId[:2], name)
}

func (s *Store) lockPath(tnId store.TnId, fileId string) string {
	return filepath.Join(s.dataDir, fmt.Sprint(tnId), fileId[:2], fileId+".lock")
}

// WriteBlob writes bytes under fileId, enforcing content-addressing: the
// sha256 of the bytes must equal fileId. A write to an existing, matching
// fileId is a no-op.
func (s *Store) WriteBlob(ctx context.Context, tnId store.TnId, fileId, label string, r io.Reader, opts store.WriteOpts) error {
	if len(fileId) < 2 {
		return trace.BadParameter("invalid fileId %q", fileId)
	}

	lockFile := s.lockPath(tnId, fileId)
	if err := os.MkdirAll(filepath.Dir(lockFile), 0o755); err != nil {
		return trace.Wrap(err)
	}
	fl := flock.New(lockFile)
	if err := fl.Lock(); err != nil {
		return trace.Wrap(err)
	}
	defer fl.Unlock()

	dst := s.path(s.dataDir, tnId, fileId, label)
	if !opts.Force {
		if _, err := os.Stat(dst); err == nil {
			log.Debugf("blob %v already exists, skipping write", fileId)
			return s.mirrorIfPublic(tnId, fileId, label, opts)
		}
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return trace.Wrap(err)
	}
	tmp := dst + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return trace.Wrap(err)
	}
	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(f, h), r); err != nil {
		f.Close()
		os.Remove(tmp)
		return trace.Wrap(err)
	}
	f.Close()

	sum := hex.EncodeToString(h.Sum(nil))
	if label == "" && sum != fileId {
		os.Remove(tmp)
		return trace.BadParameter("content hash %v does not match announced fileId %v", sum, fileId)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return trace.Wrap(err)
	}
	return s.mirrorIfPublic(tnId, fileId, label, opts)
}

func (s *Store) mirrorIfPublic(tnId store.TnId, fileId, label string, opts store.WriteOpts) error {
	if !opts.Public || s.publicDataDir == "" {
		return nil
	}
	src := s.path(s.dataDir, tnId, fileId, label)
	dst := s.path(s.publicDataDir, tnId, fileId, label)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return trace.Wrap(err)
	}
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	if err := os.Link(src, dst); err != nil {
		// cross-device links fail; fall back to copy.
		return trace.Wrap(copyFile(src, dst))
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return trace.Wrap(err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return trace.Wrap(err)
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return trace.Wrap(err)
}

func (s *Store) ReadBlob(ctx context.Context, tnId store.TnId, fileId, label string) ([]byte, error) {
	r, err := s.OpenBlob(ctx, tnId, fileId, label)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer r.Close()
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return buf, nil
}

func (s *Store) OpenBlob(ctx context.Context, tnId store.TnId, fileId, label string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(s.dataDir, tnId, fileId, label))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, trace.NotFound("blob %v (%v) not found", fileId, label)
		}
		return nil, trace.Wrap(err)
	}
	return f, nil
}

func (s *Store) CheckBlob(ctx context.Context, tnId store.TnId, fileId, label string) (bool, error) {
	_, err := os.Stat(s.path(s.dataDir, tnId, fileId, label))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, trace.Wrap(err)
}
