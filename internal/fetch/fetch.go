// Copyright 2025 Aviator Labs. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fetch resolves firmware release tags to verified artifacts.
//
// A release host lays its content out as:
//
//	<base>/manifests/<release>.json
//	<base>/images/<image filename named by the manifest>
//
// Fetch never returns an artifact whose image does not hash to the digest
// declared by its manifest.
package fetch

import (
	"context"
	"crypto/sha512"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"

	"github.com/aviator-labs/provision/api"
)

// ErrReleaseNotFound indicates the host has no manifest for the requested
// release tag. It is never retried.
var ErrReleaseNotFound = errors.New("release not found")

// ChecksumMismatchError indicates the downloaded image does not hash to the
// digest its manifest declares.
type ChecksumMismatchError struct {
	Release string
	Want    [sha512.Size]byte
	Got     [sha512.Size]byte
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("image for %q hashes to %x, manifest declares %x", e.Release, e.Got, e.Want)
}

// NetworkError wraps a transport-level failure that survived the bounded
// retries.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("fetching %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Fetcher downloads and verifies firmware release artifacts.
type Fetcher struct {
	// BaseURL is the release host base URL.
	BaseURL *url.URL
	// Client is used for all requests; http.DefaultClient when nil.
	Client *http.Client
	// MaxRetries bounds retries of transient failures per request.
	MaxRetries uint64
	// CacheDir, when non-empty, receives a copy of each fetched image as
	// <release>.bin. The cache is a convenience for inspection only and is
	// never read back as a source of image bytes.
	CacheDir string
}

// Fetch resolves release to a manifest, downloads the image it names, and
// verifies the image digest. Transient network failures are retried with
// exponential backoff; a missing release or a digest mismatch fails
// immediately.
func (f Fetcher) Fetch(ctx context.Context, release string) (*api.Artifact, error) {
	mu, err := f.BaseURL.Parse(fmt.Sprintf("%s/%s.json", api.HTTPManifestPath, url.PathEscape(release)))
	if err != nil {
		return nil, fmt.Errorf("invalid release %q: %v", release, err)
	}
	manifest, err := f.manifest(ctx, mu.String())
	if err != nil {
		return nil, err
	}
	if manifest.Release != release {
		return nil, fmt.Errorf("manifest at %s is for release %q, requested %q", mu, manifest.Release, release)
	}
	want, err := manifest.Digest()
	if err != nil {
		return nil, err
	}

	iu, err := f.BaseURL.Parse(fmt.Sprintf("%s/%s", api.HTTPImagePath, url.PathEscape(manifest.Image)))
	if err != nil {
		return nil, fmt.Errorf("manifest names invalid image %q: %v", manifest.Image, err)
	}
	glog.V(1).Infof("Resolved %q to %s (%d bytes expected)", release, iu, manifest.Size)
	image, got, err := f.image(ctx, iu.String())
	if err != nil {
		return nil, err
	}

	if int64(len(image)) != manifest.Size {
		return nil, fmt.Errorf("image at %s is %d bytes, manifest declares %d", iu, len(image), manifest.Size)
	}
	if got != want {
		return nil, &ChecksumMismatchError{Release: release, Want: want, Got: got}
	}

	if f.CacheDir != "" {
		p := filepath.Join(f.CacheDir, release+".bin")
		if err := os.WriteFile(p, image, 0o644); err != nil {
			glog.Warningf("Failed to cache image at %q: %v", p, err)
		}
	}

	return &api.Artifact{
		Release:  release,
		URL:      iu.String(),
		Image:    image,
		SHA512:   got,
		Verified: true,
	}, nil
}

func (f Fetcher) manifest(ctx context.Context, u string) (*api.ReleaseManifest, error) {
	var m api.ReleaseManifest
	err := f.get(ctx, u, func(resp *http.Response) error {
		if err := decodeJSON(resp, &m); err != nil {
			// A mangled body may be a transport hiccup, let the retry
			// re-request it.
			return fmt.Errorf("decoding manifest: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("manifest at %s is invalid: %w", u, err)
	}
	return &m, nil
}

func (f Fetcher) image(ctx context.Context, u string) ([]byte, [sha512.Size]byte, error) {
	var image []byte
	var digest [sha512.Size]byte
	err := f.get(ctx, u, func(resp *http.Response) error {
		b, d, err := readStream(resp)
		if err != nil {
			return fmt.Errorf("streaming image: %w", err)
		}
		image, digest = b, d
		return nil
	})
	if err != nil {
		return nil, digest, err
	}
	return image, digest, nil
}

// get performs a GET with bounded exponential-backoff retry, invoking handle
// on each 200 response. A 404 is terminal (ErrReleaseNotFound); every other
// failure mode is treated as transient until the retries are exhausted, at
// which point the last error surfaces wrapped in a NetworkError.
func (f Fetcher) get(ctx context.Context, u string, handle func(*http.Response) error) error {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			glog.Warningf("GET %s: %v", u, err)
			return err
		}
		defer func() {
			if err := resp.Body.Close(); err != nil {
				glog.Warningf("Failed to close response body: %v", err)
			}
		}()
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(fmt.Errorf("%s: %w", u, ErrReleaseNotFound))
		case resp.StatusCode != http.StatusOK:
			e := fmt.Errorf("GET %s: status %d", u, resp.StatusCode)
			glog.Warning(e.Error())
			return e
		}
		return handle(resp)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), f.MaxRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		if errors.Is(err, ErrReleaseNotFound) {
			return err
		}
		return &NetworkError{URL: u, Err: err}
	}
	return nil
}
