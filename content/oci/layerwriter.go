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

package oci

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"flatpak.land/flatpak-go/errdef"
)

// LayerWriter accepts an uncompressed tar stream and produces a
// gzip-compressed blob in the store. Two digests are maintained while
// writing: the uncompressed diff-id recorded in image configs, and
// the compressed digest that manifests reference.
type LayerWriter struct {
	temp *BlobTemp

	gz           *gzip.Writer
	diffDigester digest.Digester
	compDigester digest.Digester
	counter      *countingWriter

	closed bool
	desc   ocispec.Descriptor
	diffID digest.Digest
}

// NewLayerWriter starts a new layer blob.
func (s *Store) NewLayerWriter() (*LayerWriter, error) {
	temp, err := s.NewBlobTemp()
	if err != nil {
		return nil, err
	}

	compDigester := digest.SHA256.Digester()
	counter := &countingWriter{w: io.MultiWriter(temp, compDigester.Hash())}
	return &LayerWriter{
		temp:         temp,
		gz:           gzip.NewWriter(counter),
		diffDigester: digest.SHA256.Digester(),
		compDigester: compDigester,
		counter:      counter,
	}, nil
}

// Write consumes uncompressed tar bytes.
func (w *LayerWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("layer writer is closed: %w", errdef.ErrInvalidArgument)
	}
	n, err := w.gz.Write(p)
	if n > 0 {
		w.diffDigester.Hash().Write(p[:n])
	}
	if err != nil {
		w.Cancel()
		return n, err
	}
	return n, nil
}

// Close finalises both digests and links the compressed blob into the
// store. After a successful Close the layer is available through
// Descriptor and DiffID.
func (w *LayerWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.gz.Close(); err != nil {
		w.temp.Discard()
		return fmt.Errorf("failed to finish layer compression: %w", err)
	}

	compressed := w.compDigester.Digest()
	if err := w.temp.Commit(compressed); err != nil {
		w.temp.Discard()
		return err
	}

	w.diffID = w.diffDigester.Digest()
	w.desc = ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageLayerGzip,
		Digest:    compressed,
		Size:      w.counter.n,
	}
	return nil
}

// Cancel drops the in-flight layer and its temporary file.
func (w *LayerWriter) Cancel() {
	if w.closed {
		return
	}
	w.closed = true
	w.temp.Discard()
}

// Descriptor returns the manifest descriptor of the closed layer. Its
// digest is the compressed SHA-256.
func (w *LayerWriter) Descriptor() ocispec.Descriptor {
	return w.desc
}

// DiffID returns the uncompressed SHA-256 of the closed layer, as
// recorded in image configs.
func (w *LayerWriter) DiffID() digest.Digest {
	return w.diffID
}

// StoreStream consumes an uncompressed tar stream, storing it as a
// gzip-compressed blob. It returns the compressed digest, the
// uncompressed diff-id and the compressed size.
func (s *Store) StoreStream(r io.Reader) (ocispec.Descriptor, digest.Digest, error) {
	w, err := s.NewLayerWriter()
	if err != nil {
		return ocispec.Descriptor{}, "", err
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Cancel()
		return ocispec.Descriptor{}, "", fmt.Errorf("failed to store layer stream: %w", err)
	}
	if err := w.Close(); err != nil {
		return ocispec.Descriptor{}, "", err
	}
	return w.Descriptor(), w.DiffID(), nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
