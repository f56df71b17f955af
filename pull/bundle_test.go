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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/stretchr/testify/require"

	"flatpak.land/flatpak-go/errdef"
)

// writeTestBundle builds a bundle file from a commit seeded in a
// scratch registry and returns its path.
func writeTestBundle(t *testing.T, signers []*openpgp.Entity, tamper func(*BundleHeader)) string {
	t.Helper()
	ctx := context.Background()
	src := testInstallation(t)
	ref := mustParseRef(t, "app/org.test.Hello/x86_64/master")
	srcReg, err := src.Registry()
	require.NoError(t, err)
	commit := seedRemoteCommit(t, srcReg, ref, nil)

	var buf bytes.Buffer
	require.NoError(t, WriteBundle(ctx, src, ref, commit, &buf, signers))

	if tamper != nil {
		br := bufio.NewReader(bytes.NewReader(buf.Bytes()))
		headerLine, err := br.ReadBytes('\n')
		require.NoError(t, err)
		var header BundleHeader
		require.NoError(t, json.Unmarshal(headerLine, &header))
		tamper(&header)
		rewritten, err := json.Marshal(&header)
		require.NoError(t, err)
		payload, err := io.ReadAll(br)
		require.NoError(t, err)
		buf.Reset()
		buf.Write(append(rewritten, '\n'))
		buf.Write(payload)
	}

	path := filepath.Join(t.TempDir(), "hello.bundle")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestBundleRoundTrip(t *testing.T) {
	ctx := context.Background()
	dest := testInstallation(t)
	path := writeTestBundle(t, nil, nil)

	ref, commit, err := PullFromBundle(ctx, dest, path, "sideload", false)
	require.NoError(t, err)
	require.Equal(t, "app/org.test.Hello/x86_64/master", ref.String())

	got, err := dest.ReadRef("sideload", ref)
	require.NoError(t, err)
	require.Equal(t, commit, got)

	// the applied closure is complete enough to deploy
	require.NoError(t, dest.Deploy(ctx, ref, commit))
}

func TestBundleSigned(t *testing.T) {
	ctx := context.Background()
	signer, err := openpgp.NewEntity("Repo Owner", "", "owner@example.com", nil)
	require.NoError(t, err)

	t.Run("trusted", func(t *testing.T) {
		dest := testInstallation(t)
		importSignerKey(t, dest, "sideload", signer)
		path := writeTestBundle(t, []*openpgp.Entity{signer}, nil)

		_, _, err := PullFromBundle(ctx, dest, path, "sideload", true)
		require.NoError(t, err)
	})

	t.Run("unsigned rejected when gpg required", func(t *testing.T) {
		dest := testInstallation(t)
		importSignerKey(t, dest, "sideload", signer)
		path := writeTestBundle(t, nil, nil)

		_, _, err := PullFromBundle(ctx, dest, path, "sideload", true)
		require.ErrorIs(t, err, errdef.ErrUntrusted)
	})

	t.Run("unknown signer rejected", func(t *testing.T) {
		stranger, err := openpgp.NewEntity("Stranger", "", "stranger@example.com", nil)
		require.NoError(t, err)
		dest := testInstallation(t)
		importSignerKey(t, dest, "sideload", signer)
		path := writeTestBundle(t, []*openpgp.Entity{stranger}, nil)

		_, _, err = PullFromBundle(ctx, dest, path, "sideload", true)
		require.ErrorIs(t, err, errdef.ErrUntrusted)
	})
}

func TestBundleMetadataMismatch(t *testing.T) {
	ctx := context.Background()
	dest := testInstallation(t)
	path := writeTestBundle(t, nil, func(header *BundleHeader) {
		header.Metadata = "[Application]\nname=org.evil.Imposter\n"
	})

	_, _, err := PullFromBundle(ctx, dest, path, "sideload", false)
	require.ErrorIs(t, err, errdef.ErrUntrusted,
		"header metadata diverging from the committed metadata must reject the bundle")

	ref := mustParseRef(t, "app/org.test.Hello/x86_64/master")
	_, err = dest.ReadRef("sideload", ref)
	require.ErrorIs(t, err, errdef.ErrNotFound)
}

func TestBundleMalformed(t *testing.T) {
	ctx := context.Background()
	dest := testInstallation(t)

	path := filepath.Join(t.TempDir(), "junk.bundle")
	require.NoError(t, os.WriteFile(path, []byte("not a bundle at all"), 0o644))
	_, _, err := PullFromBundle(ctx, dest, path, "sideload", false)
	require.ErrorIs(t, err, errdef.ErrInvalidArgument)

	require.NoError(t, os.WriteFile(path, []byte("{\"ref\":\"app/org.test.Hello/x86_64/master\",\"commit\":\"short\"}\n"), 0o644))
	_, _, err = PullFromBundle(ctx, dest, path, "sideload", false)
	require.ErrorIs(t, err, errdef.ErrInvalidArgument)
}
