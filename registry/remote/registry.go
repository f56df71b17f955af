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

// Package remote implements the registry interface over HTTP, for
// both plain OCI layouts served as static files and Docker-style
// distribution registries.
package remote

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"flatpak.land/flatpak-go"
	"flatpak.land/flatpak-go/content"
	"flatpak.land/flatpak-go/errdef"
	"flatpak.land/flatpak-go/progress"
	"flatpak.land/flatpak-go/registry"
	"flatpak.land/flatpak-go/registry/remote/auth"
	"flatpak.land/flatpak-go/registry/remote/retry"
)

// maxManifestBytes bounds manifest and index downloads.
const maxManifestBytes = 8 * 1024 * 1024

// Registry is a read-only registry over HTTP. The zero value is not
// usable; create one with New.
type Registry struct {
	// base is the parsed base URL of the remote.
	base *url.URL

	// docker selects Docker distribution paths
	// (v2/<repo>/manifests/<digest>) instead of static OCI layout
	// paths (blobs/sha256/<hex>).
	docker bool

	// client is the HTTP session shared by all requests of this
	// registry. Safe for concurrent use.
	client *http.Client

	// token is the Bearer token attached to requests, if any.
	token string

	// basic is forwarded to the token server during GetToken.
	basic *auth.BasicAuth
}

// New creates a remote registry session for baseURL. URLs with the
// docker flavour address a Docker distribution API; others address a
// statically served OCI layout. Connection and idle timeouts default
// to 60 seconds.
func New(baseURL string, docker bool) (*Registry, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid registry URL %q: %v: %w", baseURL, err, errdef.ErrInvalidArgument)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("registry URL %q: scheme must be http or https: %w", baseURL, errdef.ErrInvalidArgument)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 60 * time.Second}).DialContext,
		IdleConnTimeout:     60 * time.Second,
		TLSHandshakeTimeout: 60 * time.Second,
	}
	return &Registry{
		base:   base,
		docker: docker,
		client: &http.Client{Transport: retry.NewTransport(transport)},
	}, nil
}

// SetToken attaches a Bearer token to subsequent requests.
func (r *Registry) SetToken(token string) {
	r.token = token
}

// SetBasicAuth sets the credential forwarded to the token server.
func (r *Registry) SetBasicAuth(username, password string) {
	r.basic = &auth.BasicAuth{Username: username, Password: password}
}

// manifestURL builds the URL addressing a manifest.
func (r *Registry) manifestURL(repo string, dgst digest.Digest) string {
	if r.docker {
		return r.base.JoinPath("v2", repo, "manifests", dgst.String()).String()
	}
	return r.base.JoinPath("blobs", dgst.Algorithm().String(), dgst.Encoded()).String()
}

// blobURL builds the URL addressing a blob.
func (r *Registry) blobURL(repo string, dgst digest.Digest) string {
	if r.docker {
		return r.base.JoinPath("v2", repo, "blobs", dgst.String()).String()
	}
	return r.base.JoinPath("blobs", dgst.Algorithm().String(), dgst.Encoded()).String()
}

// newRequest creates a request with the session headers applied.
func (r *Registry) newRequest(ctx context.Context, method, rawURL string, isManifest bool) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", flatpak.UserAgent)
	if isManifest {
		req.Header.Set("Accept", registry.ManifestAccept)
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	return req, nil
}

// get issues a GET and maps the status code to an error kind.
func (r *Registry) get(ctx context.Context, rawURL string, isManifest bool) (*http.Response, error) {
	req, err := r.newRequest(ctx, http.MethodGet, rawURL, isManifest)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return resp, nil
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("%s: %w", rawURL, errdef.ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()
		return nil, fmt.Errorf("%s: status %s: %w", rawURL, resp.Status, errdef.ErrPermissionDenied)
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("%s: unexpected status %s", rawURL, resp.Status)
	}
}

// fetchVerified downloads a whole object and verifies it against the
// addressed digest.
func (r *Registry) fetchVerified(ctx context.Context, rawURL string, dgst digest.Digest, isManifest bool) ([]byte, error) {
	if err := content.ValidateDigest(dgst); err != nil {
		return nil, err
	}
	resp, err := r.get(ctx, rawURL, isManifest)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", rawURL, err)
	}
	if digest.FromBytes(data) != dgst {
		return nil, fmt.Errorf("%s: digest mismatch: %w", dgst, errdef.ErrCorrupted)
	}
	return data, nil
}

// LoadIndex fetches the top-level index.json of the remote layout.
func (r *Registry) LoadIndex(ctx context.Context) (*ocispec.Index, error) {
	resp, err := r.get(ctx, r.base.JoinPath("index.json").String(), false)
	if err != nil {
		return nil, fmt.Errorf("failed to load remote index: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to load remote index: %w", err)
	}
	return registry.UnmarshalIndex(data)
}

// SaveIndex always fails: remote registries are read-only.
func (r *Registry) SaveIndex(_ context.Context, _ *ocispec.Index) error {
	return fmt.Errorf("remote registry %s is read-only: %w", r.base, errdef.ErrUnsupported)
}

// LoadManifest fetches and verifies a manifest.
func (r *Registry) LoadManifest(ctx context.Context, repo string, dgst digest.Digest) (*ocispec.Manifest, []byte, error) {
	data, err := r.fetchVerified(ctx, r.manifestURL(repo, dgst), dgst, true)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load manifest: %w", err)
	}
	manifest, err := registry.UnmarshalManifest(data, dgst)
	if err != nil {
		return nil, nil, err
	}
	return manifest, data, nil
}

// LoadManifestList fetches a manifest list or nested index and
// returns it as an Index object.
func (r *Registry) LoadManifestList(ctx context.Context, repo string, dgst digest.Digest) (*ocispec.Index, error) {
	data, err := r.fetchVerified(ctx, r.manifestURL(repo, dgst), dgst, true)
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest list: %w", err)
	}
	return registry.UnmarshalIndex(data)
}

// LoadConfig fetches and verifies an image config.
func (r *Registry) LoadConfig(ctx context.Context, repo string, dgst digest.Digest) (*ocispec.Image, error) {
	data, err := r.fetchVerified(ctx, r.blobURL(repo, dgst), dgst, false)
	if err != nil {
		return nil, fmt.Errorf("failed to load image config: %w", err)
	}
	return registry.UnmarshalConfig(data, dgst)
}

// DownloadBlob fetches a blob into an unlinked temporary file,
// verifying the digest on the fly, and returns the file rewound to
// the start.
func (r *Registry) DownloadBlob(ctx context.Context, repo string, isManifest bool, dgst digest.Digest, t progress.Tracker) (*os.File, error) {
	if err := content.ValidateDigest(dgst); err != nil {
		return nil, err
	}

	rawURL := r.blobURL(repo, dgst)
	if isManifest {
		rawURL = r.manifestURL(repo, dgst)
	}
	resp, err := r.get(ctx, rawURL, isManifest)
	if err != nil {
		progress.Fail(t, err)
		return nil, err
	}
	defer resp.Body.Close()
	progress.Start(t, resp.ContentLength)

	tmp, err := os.CreateTemp("", "flatpak-blob-*")
	if err != nil {
		return nil, err
	}
	// unlink immediately; the descriptor keeps the file alive
	os.Remove(tmp.Name())

	verifier := dgst.Verifier()
	body := progress.TrackReader(t, resp.ContentLength, resp.Body)
	if _, err := io.Copy(io.MultiWriter(tmp, verifier), body); err != nil {
		tmp.Close()
		progress.Fail(t, err)
		return nil, fmt.Errorf("failed to download %s: %w", dgst, err)
	}
	if !verifier.Verified() {
		tmp.Close()
		err := fmt.Errorf("failed to download %s: digest mismatch: %w", dgst, errdef.ErrCorrupted)
		progress.Fail(t, err)
		return nil, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		return nil, err
	}
	progress.Done(t)
	return tmp, nil
}

// GetToken issues a HEAD on the addressed manifest and resolves the
// Bearer challenge, if any. Anonymous access yields the empty token.
// Non-Bearer challenges fail with errdef.ErrUnsupported.
func (r *Registry) GetToken(ctx context.Context, repo string, dgst digest.Digest, basic *auth.BasicAuth) (string, error) {
	req, err := r.newRequest(ctx, http.MethodHead, r.manifestURL(repo, dgst), true)
	if err != nil {
		return "", err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to probe %s: %w", r.base, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		// anonymous access, or an error the actual fetch will surface
		return "", nil
	}

	ch, err := auth.ParseChallenge(resp.Header.Get("Www-Authenticate"))
	if err != nil {
		return "", fmt.Errorf("registry %s: %w", r.base, err)
	}
	if ch.Scope == "" {
		ch.Scope = auth.PullScope(repo)
	}
	if basic == nil {
		basic = r.basic
	}
	token, err := auth.FetchToken(ctx, r.client, ch, basic)
	if err != nil {
		return "", fmt.Errorf("registry %s: %w", r.base, err)
	}
	return token, nil
}
