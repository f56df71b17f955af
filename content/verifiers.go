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

package content

import (
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"

	"flatpak.land/flatpak-go/errdef"
)

// ValidateDigest checks that a digest is well formed and uses the
// sha256 algorithm, the only one the engine supports.
func ValidateDigest(dgst digest.Digest) error {
	if err := dgst.Validate(); err != nil {
		return fmt.Errorf("digest %q: %v: %w", dgst, err, errdef.ErrInvalidArgument)
	}
	if dgst.Algorithm() != digest.SHA256 {
		return fmt.Errorf("digest algorithm %q: %w", dgst.Algorithm(), errdef.ErrUnsupported)
	}
	return nil
}

// ReadAllVerified reads exactly size bytes from r and verifies them
// against dgst. A mismatch, short read or trailing data yields
// errdef.ErrCorrupted.
func ReadAllVerified(r io.Reader, dgst digest.Digest, size int64) ([]byte, error) {
	if err := ValidateDigest(dgst); err != nil {
		return nil, err
	}

	verifier := dgst.Verifier()
	r = io.TeeReader(r, verifier)
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%s: short content: %w", dgst, errdef.ErrCorrupted)
	}

	// ensure EOF
	var peek [1]byte
	if _, err := io.ReadFull(r, peek[:]); err != io.EOF {
		return nil, fmt.Errorf("%s: trailing content: %w", dgst, errdef.ErrCorrupted)
	}

	if !verifier.Verified() {
		return nil, fmt.Errorf("%s: digest mismatch: %w", dgst, errdef.ErrCorrupted)
	}
	return buf, nil
}

// VerifyReader wraps r so that reads are verified against dgst once
// the stream is fully consumed. Close reports errdef.ErrCorrupted if
// the content did not match.
func VerifyReader(r io.ReadCloser, dgst digest.Digest) (io.ReadCloser, error) {
	if err := ValidateDigest(dgst); err != nil {
		return nil, err
	}
	verifier := dgst.Verifier()
	return &verifyReadCloser{
		Reader:   io.TeeReader(r, verifier),
		closer:   r,
		verifier: verifier,
		digest:   dgst,
	}, nil
}

type verifyReadCloser struct {
	io.Reader
	closer   io.Closer
	verifier digest.Verifier
	digest   digest.Digest
}

func (vc *verifyReadCloser) Close() error {
	if err := vc.closer.Close(); err != nil {
		return err
	}
	if !vc.verifier.Verified() {
		return fmt.Errorf("%s: digest mismatch: %w", vc.digest, errdef.ErrCorrupted)
	}
	return nil
}
