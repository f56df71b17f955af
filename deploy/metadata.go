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

package deploy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/ini.v1"

	"flatpak.land/flatpak-go"
	"flatpak.land/flatpak-go/errdef"
	"flatpak.land/flatpak-go/internal/ioutil"
)

// Metadata is the parsed /metadata file of a deployment.
type Metadata struct {
	// Kind tells which of [Application] and [Runtime] was present.
	Kind flatpak.Kind

	Name    string
	Runtime string
	Sdk     string
	Command string
	Tags    []string

	// RequiredVersion is the required-flatpak key, empty when absent.
	RequiredVersion string

	Context Context
}

// Context holds the sandbox permission groups of a metadata or
// overrides file. Entries prefixed with "!" negate an inherited grant.
type Context struct {
	Shared      []string
	Sockets     []string
	Devices     []string
	Features    []string
	Filesystems []string
	Persistent  []string
	Env         map[string]string
}

// ParseMetadata parses the INI bytes of a metadata file.
func ParseMetadata(data []byte) (*Metadata, error) {
	cfg, err := ini.Load(data)
	if err != nil {
		return nil, fmt.Errorf("malformed metadata: %w", errdef.ErrInvalidArgument)
	}

	md := &Metadata{}
	var sec *ini.Section
	if s, err := cfg.GetSection("Application"); err == nil {
		md.Kind = flatpak.KindApp
		sec = s
	} else if s, err := cfg.GetSection("Runtime"); err == nil {
		md.Kind = flatpak.KindRuntime
		sec = s
	} else {
		return nil, fmt.Errorf("metadata has neither Application nor Runtime group: %w", errdef.ErrInvalidArgument)
	}

	md.Name = sec.Key("name").String()
	md.Runtime = sec.Key("runtime").String()
	md.Sdk = sec.Key("sdk").String()
	md.Command = sec.Key("command").String()
	md.RequiredVersion = sec.Key("required-flatpak").String()
	md.Tags = splitList(sec.Key("tags").String())

	if ctxSec, err := cfg.GetSection("Context"); err == nil {
		md.Context = parseContext(ctxSec)
	}
	if envSec, err := cfg.GetSection("Environment"); err == nil {
		md.Context.Env = sectionToMap(envSec)
	}
	return md, nil
}

// ReadMetadata loads and parses the metadata of a deployed commit.
func (inst *Installation) ReadMetadata(ref flatpak.Ref, commit string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(inst.DeploymentPath(ref, commit), "metadata"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("metadata of %s: %w", ref, errdef.ErrNotFound)
		}
		return nil, err
	}
	return ParseMetadata(data)
}

// CheckRequiredVersion fails with ErrNeedsNewerHost when the metadata
// requires an engine newer than this one.
func (md *Metadata) CheckRequiredVersion() error {
	if md.RequiredVersion == "" {
		return nil
	}
	if flatpak.CompareVersions(md.RequiredVersion, flatpak.Version) > 0 {
		return fmt.Errorf("%s needs flatpak >= %s (this is %s): %w",
			md.Name, md.RequiredVersion, flatpak.Version, errdef.ErrNeedsNewerHost)
	}
	return nil
}

func parseContext(sec *ini.Section) Context {
	return Context{
		Shared:      splitList(sec.Key("shared").String()),
		Sockets:     splitList(sec.Key("sockets").String()),
		Devices:     splitList(sec.Key("devices").String()),
		Features:    splitList(sec.Key("features").String()),
		Filesystems: splitList(sec.Key("filesystems").String()),
		Persistent:  splitList(sec.Key("persistent").String()),
	}
}

func sectionToMap(sec *ini.Section) map[string]string {
	out := make(map[string]string, len(sec.Keys()))
	for _, key := range sec.Keys() {
		out[key.Name()] = key.String()
	}
	return out
}

// splitList splits a ;-separated metadata list, tolerating a trailing
// separator.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func joinList(items []string) string {
	if len(items) == 0 {
		return ""
	}
	return strings.Join(items, ";") + ";"
}

// Merge overlays another context on top of this one. A "!"-prefixed
// entry in the overlay removes the matching grant; other entries are
// added. Environment entries overwrite by name.
func (c Context) Merge(over Context) Context {
	merged := Context{
		Shared:      mergeList(c.Shared, over.Shared),
		Sockets:     mergeList(c.Sockets, over.Sockets),
		Devices:     mergeList(c.Devices, over.Devices),
		Features:    mergeList(c.Features, over.Features),
		Filesystems: mergeList(c.Filesystems, over.Filesystems),
		Persistent:  mergeList(c.Persistent, over.Persistent),
	}
	if len(c.Env) > 0 || len(over.Env) > 0 {
		merged.Env = make(map[string]string, len(c.Env)+len(over.Env))
		for k, v := range c.Env {
			merged.Env[k] = v
		}
		for k, v := range over.Env {
			merged.Env[k] = v
		}
	}
	return merged
}

func mergeList(base, over []string) []string {
	seen := make(map[string]bool, len(base)+len(over))
	var out []string
	for _, item := range base {
		if !seen[item] {
			seen[item] = true
			out = append(out, item)
		}
	}
	for _, item := range over {
		if neg, ok := strings.CutPrefix(item, "!"); ok {
			for i, have := range out {
				if have == neg {
					out = append(out[:i], out[i+1:]...)
					seen[neg] = false
					break
				}
			}
			continue
		}
		if !seen[item] {
			seen[item] = true
			out = append(out, item)
		}
	}
	return out
}

// Overrides reads the per-app permission overrides, returning an empty
// context when none exist.
func (inst *Installation) Overrides(appID string) (Context, error) {
	data, err := os.ReadFile(filepath.Join(inst.root, "overrides", appID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Context{}, nil
		}
		return Context{}, err
	}
	cfg, err := ini.Load(data)
	if err != nil {
		return Context{}, fmt.Errorf("malformed overrides for %s: %w", appID, errdef.ErrInvalidArgument)
	}
	var ctx Context
	if sec, err := cfg.GetSection("Context"); err == nil {
		ctx = parseContext(sec)
	}
	if sec, err := cfg.GetSection("Environment"); err == nil {
		ctx.Env = sectionToMap(sec)
	}
	return ctx, nil
}

// SaveOverrides writes the per-app permission overrides.
func (inst *Installation) SaveOverrides(appID string, ctx Context) error {
	cfg := ini.Empty()
	sec, err := cfg.NewSection("Context")
	if err != nil {
		return err
	}
	set := func(name string, items []string) {
		if len(items) > 0 {
			sec.Key(name).SetValue(joinList(items))
		}
	}
	set("shared", ctx.Shared)
	set("sockets", ctx.Sockets)
	set("devices", ctx.Devices)
	set("features", ctx.Features)
	set("filesystems", ctx.Filesystems)
	set("persistent", ctx.Persistent)
	if len(ctx.Env) > 0 {
		envSec, err := cfg.NewSection("Environment")
		if err != nil {
			return err
		}
		names := make([]string, 0, len(ctx.Env))
		for name := range ctx.Env {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			envSec.Key(name).SetValue(ctx.Env[name])
		}
	}
	var sb strings.Builder
	if _, err := cfg.WriteTo(&sb); err != nil {
		return err
	}
	if err := ioutil.WriteFileAtomic(filepath.Join(inst.root, "overrides", appID), []byte(sb.String()), 0o644); err != nil {
		return err
	}
	return inst.TouchChanged()
}
