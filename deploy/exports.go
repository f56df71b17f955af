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
	"strings"

	"github.com/kballard/go-shellquote"
	"gopkg.in/ini.v1"

	"flatpak.land/flatpak-go"
	"flatpak.land/flatpak-go/errdef"
	"flatpak.land/flatpak-go/internal/ioutil"
)

// LauncherPath is the binary desktop files are rewritten to invoke.
var LauncherPath = "/usr/bin/flatpak"

// exportedPrefixes is the allow-list of subtrees merged from a
// deployment's export/ into the installation exports tree.
var exportedPrefixes = []string{
	"share/applications",
	"share/icons",
	"share/dbus-1/services",
	"share/mime/packages",
	"share/metainfo",
	"share/appdata",
	"share/gnome-shell/search-providers",
}

// desktopLoadOptions keeps ini.v1 from mangling desktop-file entries:
// values may carry semicolons and unmatched quotes.
var desktopLoadOptions = ini.LoadOptions{
	IgnoreInlineComment:     true,
	PreserveSurroundedQuote: true,
}

func init() {
	// desktop files and flatpak metadata use bare key=value lines
	ini.PrettyFormat = false
}

// rewriteExports post-processes the export tree of a freshly
// checked-out app deployment: desktop files get their Exec lines
// pointed at the launcher, D-Bus service files are validated and
// rewritten the same way.
func rewriteExports(exportDir string, ref flatpak.Ref, md *Metadata) error {
	if _, err := os.Stat(exportDir); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return filepath.WalkDir(exportDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		switch {
		case strings.HasSuffix(path, ".desktop"):
			return rewriteDesktopFile(path, ref, md)
		case strings.HasSuffix(path, ".service") && strings.Contains(path, "dbus-1"):
			return rewriteServiceFile(path, ref)
		}
		return nil
	})
}

// launcherArgv builds the rewritten command line: the launcher runs
// the ref's branch/arch with the original argv[0] as --command and the
// original arguments carried behind the app id.
func launcherArgv(ref flatpak.Ref, oldExec string) (string, error) {
	parts, err := shellquote.Split(oldExec)
	if err != nil || len(parts) == 0 {
		return "", fmt.Errorf("unparseable Exec line %q: %w", oldExec, errdef.ErrInvalidArgument)
	}
	argv := []string{
		LauncherPath,
		"run",
		"--branch=" + ref.Branch,
		"--arch=" + ref.Arch,
		"--command=" + parts[0],
		ref.ID,
	}
	argv = append(argv, parts[1:]...)
	return shellquote.Join(argv...), nil
}

func rewriteDesktopFile(path string, ref flatpak.Ref, md *Metadata) error {
	cfg, err := ini.LoadSources(desktopLoadOptions, path)
	if err != nil {
		return fmt.Errorf("malformed desktop file %s: %w", filepath.Base(path), errdef.ErrInvalidArgument)
	}
	for _, sec := range cfg.Sections() {
		sec.DeleteKey("TryExec")
		sec.DeleteKey("X-GNOME-Bugzilla-ExtraInfoScript")
		if sec.HasKey("Exec") {
			rewritten, err := launcherArgv(ref, sec.Key("Exec").String())
			if err != nil {
				return err
			}
			sec.Key("Exec").SetValue(rewritten)
		}
	}
	if entry, err := cfg.GetSection("Desktop Entry"); err == nil {
		entry.Key("X-Flatpak").SetValue(ref.ID)
		if len(md.Tags) > 0 {
			entry.Key("X-Flatpak-Tags").SetValue(joinList(md.Tags))
		}
	}
	return writeKeyFile(cfg, path)
}

// rewriteServiceFile checks that a D-Bus activation file names the
// service it is filed under, then points its Exec at the launcher.
func rewriteServiceFile(path string, ref flatpak.Ref) error {
	cfg, err := ini.LoadSources(desktopLoadOptions, path)
	if err != nil {
		return fmt.Errorf("malformed service file %s: %w", filepath.Base(path), errdef.ErrInvalidArgument)
	}
	sec, err := cfg.GetSection("D-BUS Service")
	if err != nil {
		return fmt.Errorf("service file %s has no D-BUS Service group: %w", filepath.Base(path), errdef.ErrInvalidArgument)
	}
	wantName := strings.TrimSuffix(filepath.Base(path), ".service")
	if got := sec.Key("Name").String(); got != wantName {
		return fmt.Errorf("service file %s exports name %q: %w", filepath.Base(path), got, errdef.ErrInvalidArgument)
	}
	if sec.HasKey("Exec") {
		rewritten, err := launcherArgv(ref, sec.Key("Exec").String())
		if err != nil {
			return err
		}
		sec.Key("Exec").SetValue(rewritten)
	}
	return writeKeyFile(cfg, path)
}

func writeKeyFile(cfg *ini.File, path string) error {
	var sb strings.Builder
	if _, err := cfg.WriteTo(&sb); err != nil {
		return err
	}
	return ioutil.WriteFileAtomic(path, []byte(sb.String()), 0o644)
}

// updateExports rebuilds the merged exports tree entries of one ref:
// stale links into the ref's deployments are dropped, then the active
// deployment's allow-listed export files are relinked.
func (inst *Installation) updateExports(ref flatpak.Ref) error {
	exportsRoot := inst.ExportsPath()
	refBase := inst.DeployBase(ref) + string(os.PathSeparator)

	// pass 1: drop symlinks pointing into this ref's deploy base
	err := filepath.WalkDir(exportsRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if d.Type()&os.ModeSymlink == 0 {
			return nil
		}
		target, err := os.Readlink(path)
		if err != nil {
			return err
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(path), target)
		}
		if strings.HasPrefix(target, refBase) {
			return os.Remove(path)
		}
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	pruneEmptyDirs(exportsRoot)

	active, err := inst.ReadActive(ref)
	if err != nil {
		if errors.Is(err, errdef.ErrNotFound) {
			return nil
		}
		return err
	}
	srcRoot := filepath.Join(inst.DeploymentPath(ref, active), "export")
	if _, err := os.Stat(srcRoot); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	// pass 2: link the active deployment's exports
	return filepath.WalkDir(srcRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(srcRoot, path)
		if err != nil {
			return err
		}
		if !exportAllowed(filepath.ToSlash(rel)) {
			return nil
		}
		dest := filepath.Join(exportsRoot, rel)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		if err := os.Remove(dest); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return os.Symlink(path, dest)
	})
}

func exportAllowed(rel string) bool {
	for _, prefix := range exportedPrefixes {
		if strings.HasPrefix(rel, prefix+"/") {
			return true
		}
	}
	return false
}

// pruneEmptyDirs removes directories left empty after unlinking,
// bottom-up. Non-empty directories are left alone.
func pruneEmptyDirs(root string) {
	var dirs []string
	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err == nil && d.IsDir() && path != root {
			dirs = append(dirs, path)
		}
		return nil
	})
	for i := len(dirs) - 1; i >= 0; i-- {
		os.Remove(dirs[i])
	}
}
