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

// Package pull moves commits from a remote into an installation's
// repository and records the (remote, ref) mapping once the full
// closure is present locally.
package pull

import (
	"context"
	"fmt"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	"flatpak.land/flatpak-go"
	"flatpak.land/flatpak-go/content"
	"flatpak.land/flatpak-go/deploy"
	"flatpak.land/flatpak-go/errdef"
	"flatpak.land/flatpak-go/internal/syncutil"
	"flatpak.land/flatpak-go/progress"
	"flatpak.land/flatpak-go/registry"
	"flatpak.land/flatpak-go/signature"
)

// defaultTransferLimit bounds concurrent blob downloads per pull.
const defaultTransferLimit = 4

// Puller copies commits from one remote into an installation.
type Puller struct {
	inst   *Installation
	remote deploy.RemoteConfig
	src    registry.Registry
	repo   string

	// TransferLimit bounds concurrent blob transfers. Zero means the
	// default.
	TransferLimit int64

	// Tracker receives per-blob progress when non-nil.
	Tracker progress.Tracker
}

// Installation aliases the deployment root the puller records into.
type Installation = deploy.Installation

// New builds a puller for one configured remote. repo is the
// repository path on Docker-style remotes and empty otherwise.
func New(inst *Installation, remote deploy.RemoteConfig, src registry.Registry, repo string) *Puller {
	return &Puller{inst: inst, remote: remote, src: src, repo: repo}
}

// Resolve maps a ref to its current commit on the remote, using the
// org.flatpak.ref annotations of the remote index.
func (p *Puller) Resolve(ctx context.Context, ref flatpak.Ref) (string, *ocispec.Descriptor, error) {
	index, err := p.src.LoadIndex(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("failed to enumerate remote %q: %w", p.remote.Name, err)
	}
	want := ref.String()
	for i := range index.Manifests {
		desc := index.Manifests[i]
		if desc.Annotations[flatpak.LabelRef] != want {
			continue
		}
		if err := content.ValidateDigest(desc.Digest); err != nil {
			return "", nil, fmt.Errorf("remote %q lists %s with a bad digest: %w", p.remote.Name, want, err)
		}
		return desc.Digest.Encoded(), &desc, nil
	}
	return "", nil, fmt.Errorf("remote %q has no ref %s: %w", p.remote.Name, want, errdef.ErrNotFound)
}

// Pull fetches refs and their full closures. With a non-empty subpaths
// list the recorded allow-list restricts later checkouts; static
// deltas never apply to subpath pulls. Refs are recorded only after
// every object they reference is present, so a failed pull leaves the
// previous commit mapping intact.
func (p *Puller) Pull(ctx context.Context, refs []flatpak.Ref, subpaths []string) error {
	for _, ref := range refs {
		if err := p.pullOne(ctx, ref, subpaths); err != nil {
			return fmt.Errorf("failed to pull %s from %q: %w", ref, p.remote.Name, err)
		}
	}
	return nil
}

func (p *Puller) pullOne(ctx context.Context, ref flatpak.Ref, subpaths []string) error {
	log := logrus.WithFields(logrus.Fields{"remote": p.remote.Name, "ref": ref.String()})

	commit, desc, err := p.Resolve(ctx, ref)
	if err != nil {
		return err
	}
	log = log.WithField("commit", commit)

	local, err := p.inst.Registry()
	if err != nil {
		return err
	}
	dgst := digest.NewDigestFromEncoded(digest.SHA256, commit)
	if err := local.MirrorBlob(ctx, p.src, p.repo, true, dgst, p.Tracker); err != nil {
		return err
	}
	manifest, _, err := local.LoadManifest(ctx, "", dgst)
	if err != nil {
		return err
	}

	blobs := make([]ocispec.Descriptor, 0, len(manifest.Layers)+1)
	blobs = append(blobs, manifest.Config)
	blobs = append(blobs, manifest.Layers...)

	limit := p.TransferLimit
	if limit == 0 {
		limit = defaultTransferLimit
	}
	err = syncutil.ForEach(ctx, limit, blobs, func(ctx context.Context, desc ocispec.Descriptor) error {
		return local.MirrorBlob(ctx, p.src, p.repo, false, desc.Digest, p.Tracker)
	})
	if err != nil {
		return err
	}

	if p.remote.GPGVerify {
		if err := p.verifySignature(ctx, ref, dgst, desc); err != nil {
			return err
		}
	}
	if len(subpaths) > 0 {
		log.Debug("subpath pull, static deltas not applicable")
	}
	if err := p.inst.SetSubpaths(ref, subpaths); err != nil {
		return err
	}
	if err := p.inst.WriteRef(p.remote.Name, ref, commit); err != nil {
		return err
	}
	log.Info("pulled")
	return nil
}

// verifySignature downloads the detached signature named by the index
// annotation and checks it against the remote's trusted keyring.
func (p *Puller) verifySignature(ctx context.Context, ref flatpak.Ref, manifestDigest digest.Digest, desc *ocispec.Descriptor) error {
	sigEncoded := ""
	if desc != nil {
		sigEncoded = desc.Annotations[flatpak.LabelSignature]
	}
	if sigEncoded == "" {
		return fmt.Errorf("remote %q requires signatures but publishes none for %s: %w", p.remote.Name, ref, errdef.ErrUntrusted)
	}
	sigDigest, err := digest.Parse(sigEncoded)
	if err != nil {
		return fmt.Errorf("signature annotation of %s: %w", ref, errdef.ErrUntrusted)
	}

	keyring, err := p.inst.RemoteKeyring(p.remote.Name)
	if err != nil {
		return err
	}

	local, err := p.inst.Registry()
	if err != nil {
		return err
	}
	if err := local.MirrorBlob(ctx, p.src, p.repo, false, sigDigest, nil); err != nil {
		return fmt.Errorf("failed to fetch signature for %s: %w", ref, err)
	}
	rc, size, err := local.Store().Fetch(ctx, sigDigest)
	if err != nil {
		return err
	}
	defer rc.Close()
	signed, err := content.ReadAllVerified(rc, sigDigest, size)
	if err != nil {
		return err
	}

	payload, err := signature.Verify(signed, keyring)
	if err != nil {
		return err
	}
	if err := payload.Validate(ref.String(), manifestDigest); err != nil {
		return err
	}
	return nil
}

// VerifyCommitMetadata checks that the metadata label inside a pulled
// commit's image config byte-matches expected. Bundles and deploys use
// it to catch header/commit divergence.
func VerifyCommitMetadata(ctx context.Context, inst *Installation, commit string, expected []byte) error {
	local, err := inst.Registry()
	if err != nil {
		return err
	}
	dgst, err := deploy.CommitDigest(commit)
	if err != nil {
		return err
	}
	manifest, _, err := local.LoadManifest(ctx, "", dgst)
	if err != nil {
		return err
	}
	config, err := local.LoadConfig(ctx, "", manifest.Config.Digest)
	if err != nil {
		return err
	}
	if config.Config.Labels[flatpak.LabelMetadata] != string(expected) {
		return fmt.Errorf("commit %s metadata does not match: %w", commit, errdef.ErrUntrusted)
	}
	return nil
}

// PullLocal records a ref for a commit already present in the
// installation repository, verifying the closure first. It is the
// sideload path used by tests and local remotes.
func PullLocal(ctx context.Context, inst *Installation, remote string, ref flatpak.Ref, commit string) error {
	local, err := inst.Registry()
	if err != nil {
		return err
	}
	dgst, err := deploy.CommitDigest(commit)
	if err != nil {
		return err
	}
	manifest, _, err := local.LoadManifest(ctx, "", dgst)
	if err != nil {
		return err
	}
	for _, desc := range append([]ocispec.Descriptor{manifest.Config}, manifest.Layers...) {
		ok, err := local.Store().Exists(ctx, desc.Digest)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("commit %s is missing blob %s: %w", commit, desc.Digest, errdef.ErrNotFound)
		}
	}
	return inst.WriteRef(remote, ref, commit)
}
