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

package fetch_test

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/mux"

	"github.com/aviator-labs/provision/api"
	"github.com/aviator-labs/provision/internal/fetch"
)

const testRelease = "v1.26.1"

var testImage = []byte("pretend this is a firmware image")

// releaseHost serves a manifest and image the way a real release host lays
// them out. mangle, when non-nil, rewrites the manifest before serving it.
func releaseHost(t *testing.T, image []byte, mangle func(*api.ReleaseManifest)) *httptest.Server {
	t.Helper()
	sum := sha512.Sum512(image)
	m := api.ReleaseManifest{
		Release: testRelease,
		Image:   fmt.Sprintf("firmware-%s.bin", testRelease),
		Size:    int64(len(image)),
		SHA512:  hex.EncodeToString(sum[:]),
	}
	if mangle != nil {
		mangle(&m)
	}

	r := mux.NewRouter()
	r.HandleFunc(fmt.Sprintf("/%s/{release}.json", api.HTTPManifestPath), func(w http.ResponseWriter, req *http.Request) {
		if mux.Vars(req)["release"] != testRelease {
			http.NotFound(w, req)
			return
		}
		if err := json.NewEncoder(w).Encode(m); err != nil {
			t.Errorf("Failed to encode manifest: %v", err)
		}
	})
	r.HandleFunc(fmt.Sprintf("/%s/{image}", api.HTTPImagePath), func(w http.ResponseWriter, req *http.Request) {
		if mux.Vars(req)["image"] != m.Image {
			http.NotFound(w, req)
			return
		}
		if _, err := w.Write(image); err != nil {
			t.Errorf("Failed to write image: %v", err)
		}
	})
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts
}

func fetcherFor(t *testing.T, ts *httptest.Server) fetch.Fetcher {
	t.Helper()
	base, err := url.Parse(ts.URL + "/")
	if err != nil {
		t.Fatalf("Failed to parse test server URL: %v", err)
	}
	return fetch.Fetcher{BaseURL: base, MaxRetries: 2}
}

func TestFetch(t *testing.T) {
	ts := releaseHost(t, testImage, nil)
	f := fetcherFor(t, ts)

	a, err := f.Fetch(context.Background(), testRelease)
	if err != nil {
		t.Fatalf("Fetch() = %v", err)
	}
	if !a.Verified {
		t.Error("Fetch returned unverified artifact")
	}
	if d := cmp.Diff(a.Image, testImage); len(d) != 0 {
		t.Errorf("Image diff: %s", d)
	}
	want := sha512.Sum512(testImage)
	if a.SHA512 != want {
		t.Errorf("Artifact digest %x, want %x", a.SHA512, want)
	}
	if a.Release != testRelease {
		t.Errorf("Artifact release %q, want %q", a.Release, testRelease)
	}
}

func TestFetchUnknownRelease(t *testing.T) {
	ts := releaseHost(t, testImage, nil)
	f := fetcherFor(t, ts)

	if _, err := f.Fetch(context.Background(), "v0.0.0"); !errors.Is(err, fetch.ErrReleaseNotFound) {
		t.Fatalf("Fetch() = %v, want ErrReleaseNotFound", err)
	}
}

func TestFetchChecksumMismatch(t *testing.T) {
	bogus := sha512.Sum512([]byte("something else entirely"))
	ts := releaseHost(t, testImage, func(m *api.ReleaseManifest) {
		m.SHA512 = hex.EncodeToString(bogus[:])
	})
	f := fetcherFor(t, ts)

	_, err := f.Fetch(context.Background(), testRelease)
	var ck *fetch.ChecksumMismatchError
	if !errors.As(err, &ck) {
		t.Fatalf("Fetch() = %v, want ChecksumMismatchError", err)
	}
	if ck.Release != testRelease {
		t.Errorf("ChecksumMismatchError.Release = %q, want %q", ck.Release, testRelease)
	}
}

func TestFetchSizeMismatch(t *testing.T) {
	ts := releaseHost(t, testImage, func(m *api.ReleaseManifest) {
		m.Size = int64(len(testImage)) + 1
	})
	f := fetcherFor(t, ts)

	if _, err := f.Fetch(context.Background(), testRelease); err == nil {
		t.Fatal("Fetch() succeeded with wrong declared size")
	}
}

func TestFetchRetriesTransientFailures(t *testing.T) {
	inner := releaseHost(t, testImage, nil)
	var failures int32 = 2
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if atomic.AddInt32(&failures, -1) >= 0 {
			http.Error(w, "try again", http.StatusServiceUnavailable)
			return
		}
		resp, err := http.Get(inner.URL + req.URL.Path)
		if err != nil {
			t.Errorf("Inner GET: %v", err)
			return
		}
		defer resp.Body.Close()
		w.WriteHeader(resp.StatusCode)
		if _, err := io.Copy(w, resp.Body); err != nil {
			t.Errorf("Proxy copy: %v", err)
		}
	}))
	defer flaky.Close()

	f := fetcherFor(t, flaky)
	a, err := f.Fetch(context.Background(), testRelease)
	if err != nil {
		t.Fatalf("Fetch() = %v, want success after transient failures", err)
	}
	if !a.Verified {
		t.Error("Fetch returned unverified artifact")
	}
}

func TestFetchExhaustsRetries(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer ts.Close()

	f := fetcherFor(t, ts)
	_, err := f.Fetch(context.Background(), testRelease)
	var netErr *fetch.NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("Fetch() = %v, want NetworkError", err)
	}
}

func TestFetchCachesImage(t *testing.T) {
	ts := releaseHost(t, testImage, nil)
	f := fetcherFor(t, ts)
	f.CacheDir = t.TempDir()

	if _, err := f.Fetch(context.Background(), testRelease); err != nil {
		t.Fatalf("Fetch() = %v", err)
	}
	cached, err := os.ReadFile(filepath.Join(f.CacheDir, testRelease+".bin"))
	if err != nil {
		t.Fatalf("Failed to read cached image: %v", err)
	}
	if d := cmp.Diff(cached, testImage); len(d) != 0 {
		t.Errorf("Cached image diff: %s", d)
	}
}
