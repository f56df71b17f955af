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
	"context"
	_ "crypto/sha512" // register sha512 so go-digest reports it unsupported, not invalid
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/opencontainers/go-digest"

	"flatpak.land/flatpak-go/content"
	"flatpak.land/flatpak-go/errdef"
)

func TestStoreBytesRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	data := []byte("some blob content")
	dgst, err := s.StoreBytes(ctx, data)
	if err != nil {
		t.Fatalf("StoreBytes() failed: %v", err)
	}
	if want := digest.FromBytes(data); dgst != want {
		t.Errorf("StoreBytes() digest = %s, want %s", dgst, want)
	}

	ok, err := s.Exists(ctx, dgst)
	if err != nil || !ok {
		t.Fatalf("Exists(%s) = %v, %v, want true", dgst, ok, err)
	}

	rc, size, err := s.Fetch(ctx, dgst)
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	defer rc.Close()
	if size != int64(len(data)) {
		t.Errorf("Fetch() size = %d, want %d", size, len(data))
	}
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(data) {
		t.Errorf("Fetch() = %q, want %q", got, data)
	}

	// no temporary files left behind
	entries, err := os.ReadDir(filepath.Join(s.Root(), "blobs", "sha256"))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Errorf("leftover temporary %s", e.Name())
		}
	}
}

func TestConcurrentStoreSameContent(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	data := []byte("identical content from many writers")
	want := digest.FromBytes(data)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dgst, err := s.StoreBytes(ctx, data)
			if err == nil && dgst != want {
				err = errors.New("unexpected digest " + dgst.String())
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("writer %d: %v", i, err)
		}
	}

	ok, err := s.Exists(ctx, want)
	if err != nil || !ok {
		t.Fatalf("Exists() = %v, %v after concurrent writes", ok, err)
	}
}

func TestFetchNotFound(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = s.Fetch(context.Background(), digest.FromString("missing"))
	if !errors.Is(err, errdef.ErrNotFound) {
		t.Errorf("Fetch() error = %v, want ErrNotFound", err)
	}
}

func TestFetchUnsupportedAlgorithm(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = s.Fetch(context.Background(), digest.Digest("sha512:"+strings.Repeat("ab", 64)))
	if !errors.Is(err, errdef.ErrUnsupported) {
		t.Errorf("Fetch() error = %v, want ErrUnsupported", err)
	}
}

func TestTamperedBlobFailsVerifiedRead(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	data := []byte("original bytes")
	dgst, err := s.StoreBytes(ctx, data)
	if err != nil {
		t.Fatal(err)
	}

	// tamper with the blob behind the store's back
	path, err := s.blobAbsPath(dgst)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("tampered bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	// opening still succeeds; the verified read notices
	rc, size, err := s.Fetch(ctx, dgst)
	if err != nil {
		t.Fatalf("Fetch() after tamper failed: %v", err)
	}
	defer rc.Close()
	_, err = content.ReadAllVerified(rc, dgst, size)
	if !errors.Is(err, errdef.ErrCorrupted) {
		t.Errorf("ReadAllVerified() error = %v, want ErrCorrupted", err)
	}
}

func TestDeleteAndGC(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	keepDigest, err := s.StoreBytes(ctx, []byte("keep me"))
	if err != nil {
		t.Fatal(err)
	}
	dropDigest, err := s.StoreBytes(ctx, []byte("drop me"))
	if err != nil {
		t.Fatal(err)
	}

	if err := s.GC(ctx, map[digest.Digest]bool{keepDigest: true}); err != nil {
		t.Fatalf("GC() failed: %v", err)
	}

	if ok, _ := s.Exists(ctx, keepDigest); !ok {
		t.Error("kept blob was collected")
	}
	if ok, _ := s.Exists(ctx, dropDigest); ok {
		t.Error("unreferenced blob survived GC")
	}

	if err := s.Delete(ctx, keepDigest); err != nil {
		t.Errorf("Delete() failed: %v", err)
	}
	if err := s.Delete(ctx, keepDigest); !errors.Is(err, errdef.ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}
