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

package flatpak

// Label keys carried in image config labels and manifest annotations.
// Commit-metadata values are base64-encoded when embedded in labels.
const (
	LabelRef           = "org.flatpak.ref"
	LabelMetadata      = "org.flatpak.metadata"
	LabelInstalledSize = "org.flatpak.installed-size"
	LabelDownloadSize  = "org.flatpak.download-size"

	// LabelCommitMetadataPrefix prefixes base64-encoded commit
	// metadata entries, e.g. "org.flatpak.commit-metadata.xa.token-type".
	LabelCommitMetadataPrefix = "org.flatpak.commit-metadata."

	// LabelSignature names the detached OpenPGP signature blob of a
	// manifest in index annotations.
	LabelSignature = "org.flatpak.signature"

	LabelAppdata = "org.freedesktop.appstream.appdata"
	LabelIcon64  = "org.freedesktop.appstream.icon-64"
	LabelIcon128 = "org.freedesktop.appstream.icon-128"
)

// Commit metadata keys observed under LabelCommitMetadataPrefix.
const (
	CommitMetaTokenType       = "xa.token-type"
	CommitMetaEndOfLife       = "ostree.endoflife"
	CommitMetaEndOfLifeRebase = "ostree.endoflife-rebase"
)
