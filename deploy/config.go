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

	"flatpak.land/flatpak-go/errdef"
	"flatpak.land/flatpak-go/internal/ioutil"
	"flatpak.land/flatpak-go/signature"

	"github.com/ProtonMail/go-crypto/openpgp"
)

// RemoteConfig is the per-remote configuration block from
// config/remotes.conf.
type RemoteConfig struct {
	Name         string
	URL          string
	Title        string
	CollectionID string
	GPGVerify    bool
	Prio         int
	NoEnumerate  bool
	Disabled     bool
	Filter       string
}

func (inst *Installation) remotesConfigPath() string {
	return filepath.Join(inst.root, "config", "remotes.conf")
}

func (inst *Installation) loadRemotesFile() (*ini.File, error) {
	path := inst.remotesConfigPath()
	cfg, err := ini.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ini.Empty(), nil
		}
		return nil, fmt.Errorf("failed to load remote configuration: %w", err)
	}
	return cfg, nil
}

func (inst *Installation) saveRemotesFile(cfg *ini.File) error {
	path := inst.remotesConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var sb strings.Builder
	if _, err := cfg.WriteTo(&sb); err != nil {
		return err
	}
	return ioutil.WriteFileAtomic(path, []byte(sb.String()), 0o644)
}

func remoteSectionName(name string) string {
	return `remote "` + name + `"`
}

func remoteFromSection(name string, sec *ini.Section) RemoteConfig {
	return RemoteConfig{
		Name:         name,
		URL:          sec.Key("url").String(),
		Title:        sec.Key("title").String(),
		CollectionID: sec.Key("collection-id").String(),
		GPGVerify:    sec.Key("gpg-verify").MustBool(false),
		Prio:         sec.Key("xa.prio").MustInt(1),
		NoEnumerate:  sec.Key("xa.noenumerate").MustBool(false),
		Disabled:     sec.Key("xa.disabled").MustBool(false),
		Filter:       sec.Key("xa.filter").String(),
	}
}

// Remote returns the configuration of one named remote.
func (inst *Installation) Remote(name string) (RemoteConfig, error) {
	cfg, err := inst.loadRemotesFile()
	if err != nil {
		return RemoteConfig{}, err
	}
	sec, err := cfg.GetSection(remoteSectionName(name))
	if err != nil {
		return RemoteConfig{}, fmt.Errorf("remote %q: %w", name, errdef.ErrNotFound)
	}
	return remoteFromSection(name, sec), nil
}

// ListRemotes returns configured remotes ordered by descending
// priority, ties broken by name. Disabled remotes are skipped unless
// all is set; no-enumerate remotes are skipped the same way.
func (inst *Installation) ListRemotes(all bool) ([]RemoteConfig, error) {
	cfg, err := inst.loadRemotesFile()
	if err != nil {
		return nil, err
	}
	var remotes []RemoteConfig
	for _, sec := range cfg.Sections() {
		name := sec.Name()
		if !strings.HasPrefix(name, `remote "`) || !strings.HasSuffix(name, `"`) {
			continue
		}
		rc := remoteFromSection(name[len(`remote "`):len(name)-1], sec)
		if !all && (rc.Disabled || rc.NoEnumerate) {
			continue
		}
		remotes = append(remotes, rc)
	}
	sort.Slice(remotes, func(i, j int) bool {
		if remotes[i].Prio != remotes[j].Prio {
			return remotes[i].Prio > remotes[j].Prio
		}
		return remotes[i].Name < remotes[j].Name
	})
	return remotes, nil
}

// AddRemote writes (or replaces) a remote configuration block.
func (inst *Installation) AddRemote(rc RemoteConfig) error {
	if rc.Name == "" || rc.URL == "" {
		return fmt.Errorf("remote needs a name and a url: %w", errdef.ErrInvalidArgument)
	}
	cfg, err := inst.loadRemotesFile()
	if err != nil {
		return err
	}
	cfg.DeleteSection(remoteSectionName(rc.Name))
	sec, err := cfg.NewSection(remoteSectionName(rc.Name))
	if err != nil {
		return err
	}
	sec.Key("url").SetValue(rc.URL)
	if rc.Title != "" {
		sec.Key("title").SetValue(rc.Title)
	}
	if rc.CollectionID != "" {
		sec.Key("collection-id").SetValue(rc.CollectionID)
	}
	sec.Key("gpg-verify").SetValue(fmt.Sprintf("%v", rc.GPGVerify))
	if rc.Prio != 0 && rc.Prio != 1 {
		sec.Key("xa.prio").SetValue(fmt.Sprintf("%d", rc.Prio))
	}
	if rc.NoEnumerate {
		sec.Key("xa.noenumerate").SetValue("true")
	}
	if rc.Disabled {
		sec.Key("xa.disabled").SetValue("true")
	}
	if rc.Filter != "" {
		sec.Key("xa.filter").SetValue(rc.Filter)
	}
	if err := inst.saveRemotesFile(cfg); err != nil {
		return err
	}
	return inst.TouchChanged()
}

// RemoveRemote deletes a remote configuration block.
func (inst *Installation) RemoveRemote(name string) error {
	cfg, err := inst.loadRemotesFile()
	if err != nil {
		return err
	}
	if _, err := cfg.GetSection(remoteSectionName(name)); err != nil {
		return fmt.Errorf("remote %q: %w", name, errdef.ErrNotFound)
	}
	cfg.DeleteSection(remoteSectionName(name))
	if err := inst.saveRemotesFile(cfg); err != nil {
		return err
	}
	return inst.TouchChanged()
}

// keyringPath returns the trusted keyring file of a remote.
func (inst *Installation) keyringPath(remote string) string {
	return filepath.Join(inst.root, "config", remote+".trustedkeys.gpg")
}

// ImportRemoteKeys stores keyring bytes (armored or binary) as the
// trusted keyring of a remote.
func (inst *Installation) ImportRemoteKeys(remote string, keyring []byte) error {
	if _, err := signature.LoadKeyring(keyring); err != nil {
		return err
	}
	path := inst.keyringPath(remote)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return ioutil.WriteFileAtomic(path, keyring, 0o644)
}

// RemoteKeyring loads the trusted keyring of a remote. A remote with
// gpg-verify set and no keyring is a configuration error.
func (inst *Installation) RemoteKeyring(remote string) (openpgp.EntityList, error) {
	data, err := os.ReadFile(inst.keyringPath(remote))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no trusted keys for remote %q: %w", remote, errdef.ErrUntrusted)
		}
		return nil, err
	}
	return signature.LoadKeyring(data)
}
