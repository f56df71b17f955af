/*
Copyright The Flatpak Authors.
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package registry

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"flatpak.land/flatpak-go/content"
	"flatpak.land/flatpak-go/content/oci"
	"flatpak.land/flatpak-go/errdef"
	"flatpak.land/flatpak-go/progress"
	"flatpak.land/flatpak-go/registry/remote/auth"
)

// Local is a registry over an on-disk OCI layout.
type Local struct {
	store *oci.Store
}

// NewLocal opens a writable local registry at root.
func NewLocal(root string) (*Local, error) {
	store, err := oci.New(root)
	if err != nil {
		return nil, err
	}
	return &Local{store: store}, nil
}

// NewLocalReadOnly opens an existing local registry for reading.
func NewLocalReadOnly(root string) (*Local, error) {
	store, err := oci.NewReadOnly(root)
	if err != nil {
		return nil, err
	}
	return &Local{store: store}, nil
}

// Store exposes the underlying blob store.
func (l *Local) Store() *oci.Store {
	return l.store
}

// LoadIndex reads index.json.
func (l *Local) LoadIndex(_ context.Context) (*ocispec.Index, error) {
	return l.store.LoadIndex()
}

// SaveIndex replaces index.json atomically.
func (l *Local) SaveIndex(_ context.Context, index *ocispec.Index) error {
	return l.store.SaveIndex(index)
}

// loadVerified reads a whole blob and verifies it against its digest.
func (l *Local) loadVerified(ctx context.Context, dgst digest.Digest) ([]byte, error) {
	rc, size, err := l.store.Fetch(ctx, dgst)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return content.ReadAllVerified(rc, dgst, size)
}

// LoadManifest reads and verifies a manifest blob.
func (l *Local) LoadManifest(ctx context.Context, _ string, dgst digest.Digest) (*ocispec.Manifest, []byte, error) {
	data, err := l.loadVerified(ctx, dgst)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load manifest: %w", err)
	}
	manifest, err := UnmarshalManifest(data, dgst)
	if err != nil {
		return nil, nil, err
	}
	return manifest, data, nil
}

// LoadConfig reads and verifies an image config blob.
func (l *Local) LoadConfig(ctx context.Context, _ string, dgst digest.Digest) (*ocispec.Image, error) {
	data, err := l.loadVerified(ctx, dgst)
	if err != nil {
		return nil, fmt.Errorf("failed to load image config: %w", err)
	}
	return UnmarshalConfig(data, dgst)
}

// DownloadBlob opens the blob file directly; local blobs are
// digest-named so placement already guarantees integrity, but the
// addressed digest is still validated.
func (l *Local) DownloadBlob(ctx context.Context, _ string, _ bool, dgst digest.Digest, t progress.Tracker) (*os.File, error) {
	rc, size, err := l.store.Fetch(ctx, dgst)
	if err != nil {
		progress.Fail(t, err)
		return nil, err
	}
	progress.Start(t, size)
	progress.Done(t)
	return rc.(*os.File), nil
}

// GetToken is the empty token for local registries.
func (l *Local) GetToken(_ context.Context, _ string, _ digest.Digest, _ *auth.BasicAuth) (string, error) {
	return "", nil
}

// NewLayerWriter starts a streaming tar+gzip layer write into the
// local store.
func (l *Local) NewLayerWriter(_ context.Context) (*oci.LayerWriter, error) {
	return l.store.NewLayerWriter()
}

// MirrorBlob copies one blob from src into the local store. A blob
// already present is a fast-exit success. The copy streams through a
// blob temporary and is digest-verified before it is linked.
func (l *Local) MirrorBlob(ctx context.Context, src Registry, repo string, isManifest bool, dgst digest.Digest, t progress.Tracker) error {
	ok, err := l.store.Exists(ctx, dgst)
	if err != nil {
		return err
	}
	if ok {
		progress.Done(t)
		return nil
	}

	srcFile, err := src.DownloadBlob(ctx, repo, isManifest, dgst, t)
	if err != nil {
		return fmt.Errorf("failed to mirror %s: %w", dgst, err)
	}
	// remote downloads are unlinked temporaries, local blobs are the
	// store's own files; Close is the right cleanup for both
	defer srcFile.Close()

	tmp, err := l.store.NewBlobTemp()
	if err != nil {
		return err
	}
	defer tmp.Discard()

	verifier := dgst.Verifier()
	if _, err := io.Copy(io.MultiWriter(tmp, verifier), srcFile); err != nil {
		return fmt.Errorf("failed to mirror %s: %w", dgst, err)
	}
	if !verifier.Verified() {
		return fmt.Errorf("failed to mirror %s: digest mismatch: %w", dgst, errdef.ErrCorrupted)
	}
	return tmp.Commit(dgst)
}
