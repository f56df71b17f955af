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

// Package signature signs and verifies image manifests with OpenPGP.
// A signature blob is a one-pass signed OpenPGP message whose literal
// payload is the signature JSON binding a ref to a manifest digest.
// Verification succeeds when at least one signature checks out
// against the remote's trusted keyring.
package signature

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/opencontainers/go-digest"

	"flatpak.land/flatpak-go/errdef"
)

// payloadType identifies the signature JSON schema.
const payloadType = "flatpak oci image signature"

// Payload is the signed JSON object.
type Payload struct {
	Critical Critical `json:"critical"`
	Optional Optional `json:"optional"`
}

// Critical carries the fields covered by trust decisions.
type Critical struct {
	Identity Identity `json:"identity"`
	Image    Image    `json:"image"`
	Type     string   `json:"type"`
}

// Identity names the signed ref.
type Identity struct {
	Ref string `json:"ref"`
}

// Image addresses the signed manifest.
type Image struct {
	ManifestDigest digest.Digest `json:"manifest-digest"`
}

// Optional carries informational fields outside the trust decision.
type Optional struct {
	Creator   string `json:"creator,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// NewPayload builds the signature JSON for a ref and manifest digest.
func NewPayload(ref string, manifestDigest digest.Digest, creator string) *Payload {
	return &Payload{
		Critical: Critical{
			Identity: Identity{Ref: ref},
			Image:    Image{ManifestDigest: manifestDigest},
			Type:     payloadType,
		},
		Optional: Optional{
			Creator:   creator,
			Timestamp: time.Now().Unix(),
		},
	}
}

// Validate checks the payload schema and, when expected values are
// given, that the payload binds to them.
func (p *Payload) Validate(wantRef string, wantDigest digest.Digest) error {
	if p.Critical.Type != payloadType {
		return fmt.Errorf("signature payload type %q: %w", p.Critical.Type, errdef.ErrUntrusted)
	}
	if wantRef != "" && p.Critical.Identity.Ref != wantRef {
		return fmt.Errorf("signature covers ref %q, expected %q: %w", p.Critical.Identity.Ref, wantRef, errdef.ErrUntrusted)
	}
	if wantDigest != "" && p.Critical.Image.ManifestDigest != wantDigest {
		return fmt.Errorf("signature covers manifest %s, expected %s: %w", p.Critical.Image.ManifestDigest, wantDigest, errdef.ErrUntrusted)
	}
	return nil
}

// Sign produces a binary signed OpenPGP message embedding payload,
// signed by every entity in signers.
func Sign(payload *Payload, signers []*openpgp.Entity) ([]byte, error) {
	if len(signers) == 0 {
		return nil, fmt.Errorf("no signing keys: %w", errdef.ErrInvalidArgument)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signature payload: %w", err)
	}

	var out bytes.Buffer
	// go-crypto signs with a single entity per message; additional
	// signers each produce their own message concatenated by callers.
	w, err := openpgp.Sign(&out, signers[0], nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start signing: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("failed to sign payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish signing: %w", err)
	}
	return out.Bytes(), nil
}

// Verify checks a signed message against the trusted keyring and
// returns the embedded payload. An unknown signer, a bad signature or
// a payload that fails to parse all yield errdef.ErrUntrusted.
func Verify(signed []byte, keyring openpgp.EntityList) (*Payload, error) {
	if len(keyring) == 0 {
		return nil, fmt.Errorf("empty trusted keyring: %w", errdef.ErrUntrusted)
	}

	md, err := openpgp.ReadMessage(bytes.NewReader(signed), keyring, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("unreadable signature: %v: %w", err, errdef.ErrUntrusted)
	}
	if !md.IsSigned {
		return nil, fmt.Errorf("message carries no signature: %w", errdef.ErrUntrusted)
	}

	body, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return nil, fmt.Errorf("unreadable signature payload: %v: %w", err, errdef.ErrUntrusted)
	}
	// the signature trailer is only checked once the body is drained
	if md.SignatureError != nil {
		return nil, fmt.Errorf("invalid signature: %v: %w", md.SignatureError, errdef.ErrUntrusted)
	}
	if md.SignedBy == nil {
		return nil, fmt.Errorf("signed by an unknown key: %w", errdef.ErrUntrusted)
	}

	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("malformed signature payload: %v: %w", err, errdef.ErrUntrusted)
	}
	if payload.Critical.Type != payloadType {
		return nil, fmt.Errorf("signature payload type %q: %w", payload.Critical.Type, errdef.ErrUntrusted)
	}
	return &payload, nil
}

// LoadKeyring reads a keyring in binary or ASCII-armored form.
func LoadKeyring(data []byte) (openpgp.EntityList, error) {
	if block, err := armor.Decode(bytes.NewReader(data)); err == nil {
		keyring, err := openpgp.ReadKeyRing(block.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read armored keyring: %w", err)
		}
		return keyring, nil
	}
	keyring, err := openpgp.ReadKeyRing(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to read keyring: %w", err)
	}
	return keyring, nil
}
