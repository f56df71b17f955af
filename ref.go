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

// Package flatpak provides the core types shared by the deployment
// engine: refs naming application and runtime streams, and the engine
// version used for compatibility checks.
package flatpak

import (
	"fmt"
	"strings"

	"flatpak.land/flatpak-go/errdef"
)

// Kind tells applications and runtimes apart in a ref.
type Kind string

const (
	KindApp     Kind = "app"
	KindRuntime Kind = "runtime"
)

// Ref names a single application or runtime stream as the
// slash-delimited quadruple "kind/id/arch/branch", for example
// "app/org.gnome.Calculator/x86_64/stable".
type Ref struct {
	Kind   Kind
	ID     string
	Arch   string
	Branch string
}

// ParseRef parses a full ref string. All four parts are required and
// validated; a malformed ref yields errdef.ErrInvalidArgument.
func ParseRef(s string) (Ref, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 4 {
		return Ref{}, fmt.Errorf("ref %q must have 4 parts: %w", s, errdef.ErrInvalidArgument)
	}

	var kind Kind
	switch parts[0] {
	case "app":
		kind = KindApp
	case "runtime":
		kind = KindRuntime
	default:
		return Ref{}, fmt.Errorf("ref %q: kind must be app or runtime: %w", s, errdef.ErrInvalidArgument)
	}

	if err := validateID(parts[1]); err != nil {
		return Ref{}, fmt.Errorf("ref %q: %w", s, err)
	}
	if !isValidName(parts[2]) {
		return Ref{}, fmt.Errorf("ref %q: invalid arch %q: %w", s, parts[2], errdef.ErrInvalidArgument)
	}
	if !isValidName(parts[3]) {
		return Ref{}, fmt.Errorf("ref %q: invalid branch %q: %w", s, parts[3], errdef.ErrInvalidArgument)
	}

	return Ref{
		Kind:   kind,
		ID:     parts[1],
		Arch:   parts[2],
		Branch: parts[3],
	}, nil
}

// String formats the ref back to its canonical four-part form.
func (r Ref) String() string {
	return string(r.Kind) + "/" + r.ID + "/" + r.Arch + "/" + r.Branch
}

// IsApp reports whether the ref names an application.
func (r Ref) IsApp() bool {
	return r.Kind == KindApp
}

// RemoteRef is a ref qualified with the configured name of the remote
// it was pulled from, formatted "<remote>:<ref>".
type RemoteRef struct {
	Remote string
	Ref    Ref
}

// ParseRemoteRef parses "<remote>:<kind>/<id>/<arch>/<branch>".
func ParseRemoteRef(s string) (RemoteRef, error) {
	remote, rest, ok := strings.Cut(s, ":")
	if !ok || remote == "" {
		return RemoteRef{}, fmt.Errorf("remote ref %q must be <remote>:<ref>: %w", s, errdef.ErrInvalidArgument)
	}
	if !isValidName(remote) {
		return RemoteRef{}, fmt.Errorf("remote ref %q: invalid remote name %q: %w", s, remote, errdef.ErrInvalidArgument)
	}
	ref, err := ParseRef(rest)
	if err != nil {
		return RemoteRef{}, err
	}
	return RemoteRef{Remote: remote, Ref: ref}, nil
}

// String formats the remote ref as "<remote>:<ref>".
func (r RemoteRef) String() string {
	return r.Remote + ":" + r.Ref.String()
}

// validateID checks a reverse-DNS application or runtime id such as
// "org.gnome.Calculator". At least three dot-separated segments, each a
// valid name, and segments must not start with a digit.
func validateID(id string) error {
	segments := strings.Split(id, ".")
	if len(segments) < 3 {
		return fmt.Errorf("id %q must have at least 3 dot-separated segments: %w", id, errdef.ErrInvalidArgument)
	}
	for _, seg := range segments {
		if seg == "" || !isValidName(seg) {
			return fmt.Errorf("id %q has an empty or invalid segment: %w", id, errdef.ErrInvalidArgument)
		}
		if seg[0] >= '0' && seg[0] <= '9' {
			return fmt.Errorf("id %q: segment %q must not start with a digit: %w", id, seg, errdef.ErrInvalidArgument)
		}
	}
	return nil
}

// isValidName accepts ASCII letters, digits, '-', '_' and '.'.
func isValidName(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return false
		}
	}
	return true
}
