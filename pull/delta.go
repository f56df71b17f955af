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
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	"flatpak.land/flatpak-go/deploy"
	"flatpak.land/flatpak-go/errdef"
	"flatpak.land/flatpak-go/internal/ioutil"
	"flatpak.land/flatpak-go/internal/syncutil"
)

// DeltaSpec names one static delta to generate: From is the parent
// commit, empty for a from-empty delta.
type DeltaSpec struct {
	From string
	To   string
}

// DeltaSuperblock indexes the objects a client needs to go from From
// to To. It is the file served at the delta's address.
type DeltaSuperblock struct {
	From    string               `json:"from,omitempty"`
	To      string               `json:"to"`
	Objects []ocispec.Descriptor `json:"objects"`
}

// deltaEncode renders a commit checksum in the delta path alphabet:
// base64-URL of the binary checksum, first two characters split off as
// a directory component.
func deltaEncode(commit string) (string, error) {
	raw, err := hex.DecodeString(commit)
	if err != nil || len(raw) != 32 {
		return "", fmt.Errorf("commit %q: %w", commit, errdef.ErrInvalidArgument)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// deltaDir returns the directory of one delta relative to the deltas
// root.
func deltaDir(spec DeltaSpec) (string, error) {
	to, err := deltaEncode(spec.To)
	if err != nil {
		return "", err
	}
	if spec.From == "" {
		return filepath.Join(to[:2], to[2:]), nil
	}
	from, err := deltaEncode(spec.From)
	if err != nil {
		return "", err
	}
	return filepath.Join(from[:2], from[2:]+"-"+to), nil
}

func deltasRoot(inst *Installation) string {
	return filepath.Join(inst.RepoPath(), "deltas")
}

// GenerateDeltas materialises the wanted deltas with a worker pool
// sized to the CPU count, then deletes deltas on disk that are no
// longer wanted. Commits must already be present in the repository.
func GenerateDeltas(ctx context.Context, inst *Installation, specs []DeltaSpec) error {
	err := syncutil.ForEach(ctx, int64(runtime.NumCPU()), specs, func(ctx context.Context, spec DeltaSpec) error {
		return generateDelta(ctx, inst, spec)
	})
	if err != nil {
		return err
	}
	return pruneStaleDeltas(inst, specs)
}

func generateDelta(ctx context.Context, inst *Installation, spec DeltaSpec) error {
	local, err := inst.Registry()
	if err != nil {
		return err
	}
	toDgst, err := deploy.CommitDigest(spec.To)
	if err != nil {
		return err
	}
	manifest, manifestBytes, err := local.LoadManifest(ctx, "", toDgst)
	if err != nil {
		return err
	}
	objects := []ocispec.Descriptor{
		{MediaType: ocispec.MediaTypeImageManifest, Digest: toDgst, Size: int64(len(manifestBytes))},
		manifest.Config,
	}
	objects = append(objects, manifest.Layers...)

	if spec.From != "" {
		// a parent delta carries only what the parent lacks
		fromDgst, err := deploy.CommitDigest(spec.From)
		if err != nil {
			return err
		}
		parent, _, err := local.LoadManifest(ctx, "", fromDgst)
		if err != nil {
			return err
		}
		have := map[string]bool{parent.Config.Digest.String(): true}
		for _, layer := range parent.Layers {
			have[layer.Digest.String()] = true
		}
		filtered := objects[:0]
		for _, obj := range objects {
			if !have[obj.Digest.String()] {
				filtered = append(filtered, obj)
			}
		}
		objects = filtered
	}

	rel, err := deltaDir(spec)
	if err != nil {
		return err
	}
	dir := filepath.Join(deltasRoot(inst), rel)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	superblock, err := json.Marshal(&DeltaSuperblock{
		From:    spec.From,
		To:      spec.To,
		Objects: objects,
	})
	if err != nil {
		return err
	}
	if err := ioutil.WriteFileAtomic(filepath.Join(dir, "superblock"), superblock, 0o644); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"delta":   rel,
		"objects": len(objects),
	}).Debug("generated static delta")
	return nil
}

// pruneStaleDeltas deletes on-disk deltas absent from the wanted set.
func pruneStaleDeltas(inst *Installation, wanted []DeltaSpec) error {
	keep := make(map[string]bool, len(wanted))
	for _, spec := range wanted {
		rel, err := deltaDir(spec)
		if err != nil {
			return err
		}
		keep[rel] = true
	}

	root := deltasRoot(inst)
	prefixes, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, prefix := range prefixes {
		if !prefix.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(root, prefix.Name()))
		if err != nil {
			return err
		}
		for _, entry := range entries {
			rel := filepath.Join(prefix.Name(), entry.Name())
			if keep[rel] {
				continue
			}
			if err := os.RemoveAll(filepath.Join(root, rel)); err != nil {
				return err
			}
			logrus.WithField("delta", rel).Debug("deleted stale delta")
		}
		// drop the two-char prefix dir once emptied
		os.Remove(filepath.Join(root, prefix.Name()))
	}
	return nil
}

// LoadDeltaSuperblock reads one generated delta back.
func LoadDeltaSuperblock(inst *Installation, spec DeltaSpec) (*DeltaSuperblock, error) {
	rel, err := deltaDir(spec)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(deltasRoot(inst), rel, "superblock"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no delta for %s: %w", rel, errdef.ErrNotFound)
		}
		return nil, err
	}
	var sb DeltaSuperblock
	if err := json.Unmarshal(data, &sb); err != nil {
		return nil, fmt.Errorf("delta %s: %w", rel, errdef.ErrCorrupted)
	}
	return &sb, nil
}
