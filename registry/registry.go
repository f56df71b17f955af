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

// Package registry provides typed access to OCI image layouts, local
// on disk or remote over HTTP. All object loads verify the body
// against the addressed digest.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"flatpak.land/flatpak-go/errdef"
	"flatpak.land/flatpak-go/progress"
	"flatpak.land/flatpak-go/registry/remote/auth"
)

// MediaTypeDockerManifest is the Docker counterpart of the OCI image
// manifest media type, accepted when talking to Docker-style remotes.
const MediaTypeDockerManifest = "application/vnd.docker.distribution.manifest.v2+json"

// MediaTypeDockerManifestList is the Docker counterpart of the OCI
// image index. Manifest lists are loaded as Index objects.
const MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"

// ManifestAccept is the Accept header sent when fetching manifests.
const ManifestAccept = ocispec.MediaTypeImageManifest + ", " + MediaTypeDockerManifest

// Registry is typed read access to an OCI-style image layout. The
// repo argument selects the repository on Docker-style remotes and is
// ignored by local layouts.
type Registry interface {
	// LoadIndex reads the top-level image index.
	LoadIndex(ctx context.Context) (*ocispec.Index, error)

	// LoadManifest reads a versioned manifest and returns it along
	// with its canonical bytes. The bytes are what the digest covers;
	// callers must never recompute the digest from a re-serialised
	// manifest.
	LoadManifest(ctx context.Context, repo string, dgst digest.Digest) (*ocispec.Manifest, []byte, error)

	// LoadConfig reads an image config.
	LoadConfig(ctx context.Context, repo string, dgst digest.Digest) (*ocispec.Image, error)

	// DownloadBlob makes the blob available as an open file positioned
	// at the start. The content is digest-verified before the file is
	// returned.
	DownloadBlob(ctx context.Context, repo string, isManifest bool, dgst digest.Digest, t progress.Tracker) (*os.File, error)

	// GetToken obtains a Bearer token for pulling the addressed
	// manifest. Local registries return the empty token.
	GetToken(ctx context.Context, repo string, dgst digest.Digest, basic *auth.BasicAuth) (string, error)
}

// UnmarshalManifest decodes digest-verified manifest bytes and checks
// the schema version.
func UnmarshalManifest(data []byte, dgst digest.Digest) (*ocispec.Manifest, error) {
	var manifest ocispec.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("manifest %s: %v: %w", dgst, err, errdef.ErrCorrupted)
	}
	if manifest.SchemaVersion != 2 {
		return nil, fmt.Errorf("manifest %s: schema version %d: %w", dgst, manifest.SchemaVersion, errdef.ErrUnsupportedVersion)
	}
	return &manifest, nil
}

// UnmarshalConfig decodes digest-verified image config bytes.
func UnmarshalConfig(data []byte, dgst digest.Digest) (*ocispec.Image, error) {
	var config ocispec.Image
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("image config %s: %v: %w", dgst, err, errdef.ErrCorrupted)
	}
	return &config, nil
}

// UnmarshalIndex decodes index bytes. Docker manifest lists decode
// with the same shape and are treated as indexes.
func UnmarshalIndex(data []byte) (*ocispec.Index, error) {
	var index ocispec.Index
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("image index: %v: %w", err, errdef.ErrCorrupted)
	}
	return &index, nil
}
