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

// Package errdef defines the error kinds shared by every layer of the
// engine. Callers match them with errors.Is; layers add context with
// fmt.Errorf("...: %w", err) so the kind survives wrapping.
package errdef

import "errors"

var (
	// ErrNotFound reports that an addressed digest, ref, remote or
	// deployment does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyDeployed and ErrAlreadyUndeployed are idempotence
	// signals, not failures. Callers may treat them as a no-op.
	ErrAlreadyDeployed   = errors.New("already deployed")
	ErrAlreadyUndeployed = errors.New("already undeployed")

	// ErrCorrupted reports a digest mismatch on read or write, or an
	// object failing its schema check.
	ErrCorrupted = errors.New("corrupted content")

	// ErrUntrusted reports that no valid signature was found in the
	// trusted keyring, or that signed metadata does not match the
	// content it claims to cover.
	ErrUntrusted = errors.New("untrusted content")

	// ErrUnsupported reports an unknown digest algorithm, a non-Bearer
	// auth challenge, or a write attempted on a read-only target.
	ErrUnsupported = errors.New("unsupported")

	// ErrUnsupportedVersion reports a layout or schema version newer
	// than this implementation understands.
	ErrUnsupportedVersion = errors.New("unsupported version")

	// ErrInvalidArgument reports a malformed ref, URL, digest or
	// user-supplied token.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrPermissionDenied reports a filesystem or namespace operation
	// refused by the kernel.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNeedsNewerHost reports that application metadata requires an
	// engine version greater than the running one.
	ErrNeedsNewerHost = errors.New("application requires a newer engine version")
)
