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

// Package api contains the types shared between the provisioning tool and a
// firmware release host.
package api

import (
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
)

// Paths served by a firmware release host, relative to its base URL.
const (
	// HTTPManifestPath is the directory holding per-release manifest documents.
	HTTPManifestPath = "manifests"
	// HTTPImagePath is the directory holding firmware images.
	HTTPImagePath = "images"
)

// ReleaseManifest describes one published firmware release.
//
// A manifest is served at <base>/manifests/<release>.json and names the image
// file it vouches for along with the digest the image must hash to.
type ReleaseManifest struct {
	// Release is the release tag, e.g. "v1.26.1".
	Release string `json:"release"`
	// Image is the image filename, relative to the images directory.
	Image string `json:"image"`
	// Size is the image size in bytes.
	Size int64 `json:"size"`
	// SHA512 is the lowercase hex SHA-512 digest of the image.
	SHA512 string `json:"sha512"`
}

// Validate checks that the manifest is complete and internally plausible.
func (m ReleaseManifest) Validate() error {
	if m.Release == "" {
		return errors.New("manifest missing release")
	}
	if m.Image == "" {
		return errors.New("manifest missing image filename")
	}
	if m.Size <= 0 {
		return fmt.Errorf("manifest declares invalid size %d", m.Size)
	}
	if _, err := m.Digest(); err != nil {
		return err
	}
	return nil
}

// Digest returns the declared image digest as raw bytes.
func (m ReleaseManifest) Digest() ([sha512.Size]byte, error) {
	var d [sha512.Size]byte
	b, err := hex.DecodeString(m.SHA512)
	if err != nil {
		return d, fmt.Errorf("manifest digest is not valid hex: %v", err)
	}
	if len(b) != sha512.Size {
		return d, fmt.Errorf("manifest digest is %d bytes, want %d", len(b), sha512.Size)
	}
	copy(d[:], b)
	return d, nil
}

// Artifact is a fetched firmware image together with its provenance.
//
// An Artifact is immutable once returned by the fetcher, and the fetcher only
// ever returns artifacts whose image hashes to the manifest digest, so
// Verified is an invariant rather than a request.
type Artifact struct {
	// Release is the release tag this image was resolved from.
	Release string
	// URL is the location the image was downloaded from.
	URL string
	// Image is the firmware image.
	Image []byte
	// SHA512 is the digest the image was verified against.
	SHA512 [sha512.Size]byte
	// Verified records that Image hashed to SHA512 at fetch time.
	Verified bool
}
