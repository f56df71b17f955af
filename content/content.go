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

// Package content defines the storage interfaces of the
// content-addressed layer and helpers for digest-verified reads.
package content

import (
	"context"
	"io"

	"github.com/opencontainers/go-digest"
)

// ReadOnlyStorage is read access to content-addressed bytes.
type ReadOnlyStorage interface {
	// Exists reports whether a blob with the given digest is present.
	Exists(ctx context.Context, dgst digest.Digest) (bool, error)

	// Fetch opens the blob with the given digest for streaming reads
	// and reports its size. The caller owns the returned reader.
	Fetch(ctx context.Context, dgst digest.Digest) (io.ReadCloser, int64, error)
}

// Storage is read-write access to content-addressed bytes.
type Storage interface {
	ReadOnlyStorage

	// StoreBytes writes blob content and returns its digest. Storing
	// content that is already present succeeds.
	StoreBytes(ctx context.Context, data []byte) (digest.Digest, error)

	// Delete removes the blob with the given digest.
	Delete(ctx context.Context, dgst digest.Digest) error
}
