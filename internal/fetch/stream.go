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

package fetch

import (
	"bytes"
	"crypto/sha512"
	"encoding/json"
	"io"
	"net/http"
)

func decodeJSON(resp *http.Response, v interface{}) error {
	return json.NewDecoder(resp.Body).Decode(v)
}

// readStream drains the body while folding it through a rolling SHA-512, so
// the digest is ready the moment the last byte lands and the image is only
// ever buffered once.
func readStream(resp *http.Response) ([]byte, [sha512.Size]byte, error) {
	var digest [sha512.Size]byte
	h := sha512.New()
	var buf bytes.Buffer
	if resp.ContentLength > 0 {
		buf.Grow(int(resp.ContentLength))
	}
	if _, err := io.Copy(io.MultiWriter(&buf, h), resp.Body); err != nil {
		return nil, digest, err
	}
	copy(digest[:], h.Sum(nil))
	return buf.Bytes(), digest, nil
}
