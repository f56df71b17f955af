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

package pull

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"

	"flatpak.land/flatpak-go"
	"flatpak.land/flatpak-go/deploy"
	"flatpak.land/flatpak-go/errdef"
	"flatpak.land/flatpak-go/registry"
	"flatpak.land/flatpak-go/signature"
)

const testMetadata = "[Application]\nname=org.test.Hello\ncommand=hello.sh\n"

func testInstallation(t *testing.T) *Installation {
	t.Helper()
	inst := deploy.Open(filepath.Join(t.TempDir(), "inst"))
	require.NoError(t, inst.Ensure())
	return inst
}

func testRemoteRegistry(t *testing.T) *registry.Local {
	t.Helper()
	reg, err := registry.NewLocal(filepath.Join(t.TempDir(), "remote"))
	require.NoError(t, err)
	return reg
}

// seedRemoteCommit publishes a one-layer image for ref on the remote
// registry, annotating the index entry. Returns the commit checksum.
func seedRemoteCommit(t *testing.T, reg *registry.Local, ref flatpak.Ref, annotations map[string]string) string {
	t.Helper()
	ctx := context.Background()

	lw, err := reg.NewLayerWriter(ctx)
	require.NoError(t, err)
	tw := tar.NewWriter(lw)
	payload := []byte("#!/bin/sh\necho hello\n")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "metadata", Mode: 0o644, Size: int64(len(testMetadata))}))
	_, err = tw.Write([]byte(testMetadata))
	require.NoError(t, err)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "files/bin/hello.sh", Mode: 0o755, Size: int64(len(payload))}))
	_, err = tw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, lw.Close())

	config := ocispec.Image{
		Config: ocispec.ImageConfig{
			Labels: map[string]string{
				flatpak.LabelRef:      ref.String(),
				flatpak.LabelMetadata: testMetadata,
			},
		},
		RootFS: ocispec.RootFS{Type: "layers", DiffIDs: []digest.Digest{lw.DiffID()}},
	}
	configJSON, err := json.Marshal(&config)
	require.NoError(t, err)
	configDgst, err := reg.Store().StoreBytes(ctx, configJSON)
	require.NoError(t, err)

	manifest := ocispec.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageManifest,
		Config: ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageConfig,
			Digest:    configDgst,
			Size:      int64(len(configJSON)),
		},
		Layers: []ocispec.Descriptor{lw.Descriptor()},
	}
	manifestJSON, err := json.Marshal(&manifest)
	require.NoError(t, err)
	manifestDgst, err := reg.Store().StoreBytes(ctx, manifestJSON)
	require.NoError(t, err)

	allAnnotations := map[string]string{flatpak.LabelRef: ref.String()}
	for k, v := range annotations {
		allAnnotations[k] = v
	}
	index, err := reg.LoadIndex(ctx)
	require.NoError(t, err)
	index.Manifests = append(index.Manifests, ocispec.Descriptor{
		MediaType:   ocispec.MediaTypeImageManifest,
		Digest:      manifestDgst,
		Size:        int64(len(manifestJSON)),
		Annotations: allAnnotations,
	})
	require.NoError(t, reg.SaveIndex(ctx, index))
	return manifestDgst.Encoded()
}

// publishSignature signs the flatpak payload for (ref, commit) and
// stores the signed message as a blob on the remote. Returns the
// annotation value.
func publishSignature(t *testing.T, reg *registry.Local, ref flatpak.Ref, commit string, signer *openpgp.Entity) string {
	t.Helper()
	dgst := digest.NewDigestFromEncoded(digest.SHA256, commit)
	signed, err := signature.Sign(signature.NewPayload(ref.String(), dgst, "test"), []*openpgp.Entity{signer})
	require.NoError(t, err)
	sigDgst, err := reg.Store().StoreBytes(context.Background(), signed)
	require.NoError(t, err)
	return sigDgst.String()
}

func importSignerKey(t *testing.T, inst *Installation, remote string, signer *openpgp.Entity) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, signer.Serialize(&buf))
	require.NoError(t, inst.ImportRemoteKeys(remote, buf.Bytes()))
}

func mustParseRef(t *testing.T, s string) flatpak.Ref {
	t.Helper()
	ref, err := flatpak.ParseRef(s)
	require.NoError(t, err)
	return ref
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	inst := testInstallation(t)
	remote := testRemoteRegistry(t)
	ref := mustParseRef(t, "app/org.test.Hello/x86_64/master")
	commit := seedRemoteCommit(t, remote, ref, nil)

	p := New(inst, deploy.RemoteConfig{Name: "origin"}, remote, "")

	got, desc, err := p.Resolve(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, commit, got)
	require.Equal(t, ref.String(), desc.Annotations[flatpak.LabelRef])

	_, _, err = p.Resolve(ctx, mustParseRef(t, "app/org.test.Missing/x86_64/master"))
	require.ErrorIs(t, err, errdef.ErrNotFound)
}

func TestPullRecordsRefAfterClosure(t *testing.T) {
	ctx := context.Background()
	inst := testInstallation(t)
	remote := testRemoteRegistry(t)
	ref := mustParseRef(t, "app/org.test.Hello/x86_64/master")
	commit := seedRemoteCommit(t, remote, ref, nil)

	p := New(inst, deploy.RemoteConfig{Name: "origin"}, remote, "")
	require.NoError(t, p.Pull(ctx, []flatpak.Ref{ref}, nil))

	got, err := inst.ReadRef("origin", ref)
	require.NoError(t, err)
	require.Equal(t, commit, got)

	// the whole closure must be local: a deploy needs no remote
	require.NoError(t, inst.Deploy(ctx, ref, commit))

	// pulling again is a no-op
	require.NoError(t, p.Pull(ctx, []flatpak.Ref{ref}, nil))
}

func TestPullSubpaths(t *testing.T) {
	ctx := context.Background()
	inst := testInstallation(t)
	remote := testRemoteRegistry(t)
	ref := mustParseRef(t, "runtime/org.test.Platform.Locale/x86_64/stable")
	seedRemoteCommit(t, remote, ref, nil)

	p := New(inst, deploy.RemoteConfig{Name: "origin"}, remote, "")
	require.NoError(t, p.Pull(ctx, []flatpak.Ref{ref}, []string{"/de"}))

	subpaths, err := inst.Subpaths(ref)
	require.NoError(t, err)
	require.Equal(t, []string{"/de"}, subpaths)
}

func TestPullFailureKeepsPreviousRef(t *testing.T) {
	ctx := context.Background()
	inst := testInstallation(t)
	remote := testRemoteRegistry(t)
	ref := mustParseRef(t, "app/org.test.Hello/x86_64/master")
	commit := seedRemoteCommit(t, remote, ref, nil)

	p := New(inst, deploy.RemoteConfig{Name: "origin"}, remote, "")
	require.NoError(t, p.Pull(ctx, []flatpak.Ref{ref}, nil))

	// a second remote entry that demands signatures it cannot provide
	signedP := New(inst, deploy.RemoteConfig{Name: "origin", GPGVerify: true}, remote, "")
	err := signedP.Pull(ctx, []flatpak.Ref{ref}, nil)
	require.ErrorIs(t, err, errdef.ErrUntrusted)

	got, err := inst.ReadRef("origin", ref)
	require.NoError(t, err)
	require.Equal(t, commit, got, "failed pull must leave the previous mapping")
}

func TestPullGPGVerify(t *testing.T) {
	ctx := context.Background()
	ref := mustParseRef(t, "app/org.test.Hello/x86_64/master")

	signer, err := openpgp.NewEntity("Repo Owner", "", "owner@example.com", nil)
	require.NoError(t, err)
	stranger, err := openpgp.NewEntity("Stranger", "", "stranger@example.com", nil)
	require.NoError(t, err)

	t.Run("trusted signature verifies", func(t *testing.T) {
		inst := testInstallation(t)
		remote := testRemoteRegistry(t)
		commit := seedRemoteCommitSigned(t, remote, ref, signer)
		importSignerKey(t, inst, "origin", signer)

		p := New(inst, deploy.RemoteConfig{Name: "origin", GPGVerify: true}, remote, "")
		require.NoError(t, p.Pull(ctx, []flatpak.Ref{ref}, nil))
		got, err := inst.ReadRef("origin", ref)
		require.NoError(t, err)
		require.Equal(t, commit, got)
	})

	t.Run("unknown signer rejected", func(t *testing.T) {
		inst := testInstallation(t)
		remote := testRemoteRegistry(t)
		seedRemoteCommitSigned(t, remote, ref, stranger)
		importSignerKey(t, inst, "origin", signer)

		p := New(inst, deploy.RemoteConfig{Name: "origin", GPGVerify: true}, remote, "")
		err := p.Pull(ctx, []flatpak.Ref{ref}, nil)
		require.ErrorIs(t, err, errdef.ErrUntrusted)
		_, err = inst.ReadRef("origin", ref)
		require.ErrorIs(t, err, errdef.ErrNotFound)
	})

	t.Run("missing signature rejected", func(t *testing.T) {
		inst := testInstallation(t)
		remote := testRemoteRegistry(t)
		seedRemoteCommit(t, remote, ref, nil)
		importSignerKey(t, inst, "origin", signer)

		p := New(inst, deploy.RemoteConfig{Name: "origin", GPGVerify: true}, remote, "")
		require.ErrorIs(t, p.Pull(ctx, []flatpak.Ref{ref}, nil), errdef.ErrUntrusted)
	})

	t.Run("no trusted keys rejected", func(t *testing.T) {
		inst := testInstallation(t)
		remote := testRemoteRegistry(t)
		seedRemoteCommitSigned(t, remote, ref, signer)

		p := New(inst, deploy.RemoteConfig{Name: "origin", GPGVerify: true}, remote, "")
		require.ErrorIs(t, p.Pull(ctx, []flatpak.Ref{ref}, nil), errdef.ErrUntrusted)
	})
}

// seedRemoteCommitSigned publishes a signed image: the commit goes up
// first so the signature can cover its manifest digest.
func seedRemoteCommitSigned(t *testing.T, reg *registry.Local, ref flatpak.Ref, signer *openpgp.Entity) string {
	t.Helper()
	commit := seedRemoteCommit(t, reg, ref, nil)
	sigAnnotation := publishSignature(t, reg, ref, commit, signer)

	ctx := context.Background()
	index, err := reg.LoadIndex(ctx)
	require.NoError(t, err)
	for i := range index.Manifests {
		if index.Manifests[i].Digest.Encoded() == commit {
			index.Manifests[i].Annotations[flatpak.LabelSignature] = sigAnnotation
		}
	}
	require.NoError(t, reg.SaveIndex(ctx, index))
	return commit
}

func TestPullLocal(t *testing.T) {
	ctx := context.Background()
	inst := testInstallation(t)
	ref := mustParseRef(t, "app/org.test.Hello/x86_64/master")

	local, err := inst.Registry()
	require.NoError(t, err)
	commit := seedRemoteCommit(t, local, ref, nil)

	require.NoError(t, PullLocal(ctx, inst, "local", ref, commit))
	got, err := inst.ReadRef("local", ref)
	require.NoError(t, err)
	require.Equal(t, commit, got)

	// a commit that was never stored cannot be recorded
	missing := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	require.ErrorIs(t, PullLocal(ctx, inst, "local", ref, missing), errdef.ErrNotFound)
}
