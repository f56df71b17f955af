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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	"flatpak.land/flatpak-go"
	"flatpak.land/flatpak-go/deploy"
	"flatpak.land/flatpak-go/errdef"
	"flatpak.land/flatpak-go/registry"
	"flatpak.land/flatpak-go/signature"
)

// BundleHeader is the uncompressed JSON line at the start of a bundle
// file. The payload behind it is a gzip tar of the commit's blobs.
type BundleHeader struct {
	Ref      string `json:"ref"`
	Commit   string `json:"commit"`
	Metadata string `json:"metadata"`

	// Signature is a signed OpenPGP message embedding the flatpak
	// signature JSON, present when the bundle was signed.
	Signature []byte `json:"signature,omitempty"`
}

// WriteBundle serialises a pulled commit into a single offline file:
// a header line followed by a gzip tar of every blob in the closure.
// Signers may be empty for an unsigned bundle.
func WriteBundle(ctx context.Context, inst *Installation, ref flatpak.Ref, commit string, w io.Writer, signers []*openpgp.Entity) error {
	local, err := inst.Registry()
	if err != nil {
		return err
	}
	dgst, err := deploy.CommitDigest(commit)
	if err != nil {
		return err
	}
	manifest, manifestBytes, err := local.LoadManifest(ctx, "", dgst)
	if err != nil {
		return err
	}
	config, err := local.LoadConfig(ctx, "", manifest.Config.Digest)
	if err != nil {
		return err
	}

	header := BundleHeader{
		Ref:      ref.String(),
		Commit:   commit,
		Metadata: config.Config.Labels[flatpak.LabelMetadata],
	}
	if len(signers) > 0 {
		signed, err := signature.Sign(signature.NewPayload(ref.String(), dgst, flatpak.UserAgent), signers)
		if err != nil {
			return err
		}
		header.Signature = signed
	}
	headerJSON, err := json.Marshal(&header)
	if err != nil {
		return err
	}
	if _, err := w.Write(append(headerJSON, '\n')); err != nil {
		return err
	}

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)
	closure := append([]ocispec.Descriptor{
		{Digest: dgst, Size: int64(len(manifestBytes))},
		manifest.Config,
	}, manifest.Layers...)
	for _, desc := range closure {
		if err := writeBundleBlob(ctx, local, tw, desc.Digest); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func writeBundleBlob(ctx context.Context, local *registry.Local, tw *tar.Writer, dgst digest.Digest) error {
	rc, size, err := local.Store().Fetch(ctx, dgst)
	if err != nil {
		return err
	}
	defer rc.Close()
	if err := tw.WriteHeader(&tar.Header{
		Name: "blobs/sha256/" + dgst.Encoded(),
		Mode: 0o644,
		Size: size,
	}); err != nil {
		return err
	}
	_, err = io.Copy(tw, rc)
	return err
}

// PullFromBundle applies an offline bundle into the installation. The
// ref is recorded only after the whole closure landed and the header
// metadata byte-matched the committed metadata. With requireGPG the
// header must carry a signature verifying under the remote's trusted
// keyring.
func PullFromBundle(ctx context.Context, inst *Installation, bundlePath, remote string, requireGPG bool) (flatpak.Ref, string, error) {
	fp, err := os.Open(bundlePath)
	if err != nil {
		return flatpak.Ref{}, "", err
	}
	defer fp.Close()

	br := bufio.NewReader(fp)
	headerLine, err := br.ReadBytes('\n')
	if err != nil {
		return flatpak.Ref{}, "", fmt.Errorf("bundle has no header: %w", errdef.ErrInvalidArgument)
	}
	var header BundleHeader
	if err := json.Unmarshal(headerLine, &header); err != nil {
		return flatpak.Ref{}, "", fmt.Errorf("malformed bundle header: %w", errdef.ErrInvalidArgument)
	}
	ref, err := flatpak.ParseRef(header.Ref)
	if err != nil {
		return flatpak.Ref{}, "", err
	}
	dgst, err := deploy.CommitDigest(header.Commit)
	if err != nil {
		return flatpak.Ref{}, "", err
	}

	if err := applyBundlePayload(ctx, inst, br); err != nil {
		return flatpak.Ref{}, "", fmt.Errorf("failed to apply bundle: %w", err)
	}

	// the applied commit is the authority; the header only claims
	if err := VerifyCommitMetadata(ctx, inst, header.Commit, []byte(header.Metadata)); err != nil {
		return flatpak.Ref{}, "", err
	}

	if requireGPG {
		if len(header.Signature) == 0 {
			return flatpak.Ref{}, "", fmt.Errorf("bundle is unsigned: %w", errdef.ErrUntrusted)
		}
		keyring, err := inst.RemoteKeyring(remote)
		if err != nil {
			return flatpak.Ref{}, "", err
		}
		payload, err := signature.Verify(header.Signature, keyring)
		if err != nil {
			return flatpak.Ref{}, "", err
		}
		if err := payload.Validate(ref.String(), dgst); err != nil {
			return flatpak.Ref{}, "", err
		}
	}

	if err := inst.WriteRef(remote, ref, header.Commit); err != nil {
		return flatpak.Ref{}, "", err
	}
	logrus.WithFields(logrus.Fields{
		"ref":    ref.String(),
		"commit": header.Commit,
		"bundle": bundlePath,
	}).Info("pulled from bundle")
	return ref, header.Commit, nil
}

func applyBundlePayload(ctx context.Context, inst *Installation, r io.Reader) error {
	local, err := inst.Registry()
	if err != nil {
		return err
	}
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("bundle payload is not gzip: %w", errdef.ErrInvalidArgument)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("malformed bundle payload: %w", errdef.ErrCorrupted)
		}
		name := path.Clean(hdr.Name)
		encoded, ok := strings.CutPrefix(name, "blobs/sha256/")
		if !ok || hdr.Typeflag != tar.TypeReg {
			continue
		}
		dgst := digest.NewDigestFromEncoded(digest.SHA256, encoded)
		if err := storeBundleBlob(ctx, local, dgst, tr); err != nil {
			return err
		}
	}
}

func storeBundleBlob(ctx context.Context, local *registry.Local, dgst digest.Digest, r io.Reader) error {
	ok, err := local.Store().Exists(ctx, dgst)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	tmp, err := local.Store().NewBlobTemp()
	if err != nil {
		return err
	}
	defer tmp.Discard()
	verifier := dgst.Verifier()
	if _, err := io.Copy(io.MultiWriter(tmp, verifier), r); err != nil {
		return err
	}
	if !verifier.Verified() {
		return fmt.Errorf("bundle blob %s: digest mismatch: %w", dgst, errdef.ErrCorrupted)
	}
	return tmp.Commit(dgst)
}
