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

package flash

import "time"

type config struct {
	eraseTimeout time.Duration
	chunkSize    int
	chunkRetries int
	progress     ProgressFunc
}

func defaultConfig() config {
	return config{
		eraseTimeout: 60 * time.Second,
		chunkSize:    ChunkSize,
		chunkRetries: 3,
	}
}

// Option configures a Session.
type Option func(*config)

// WithEraseTimeout bounds how long the full-chip erase may take before the
// session aborts.
func WithEraseTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.eraseTimeout = d
		}
	}
}

// WithChunkSize overrides the write/read-back transfer unit. Values above the
// protocol maximum are ignored.
func WithChunkSize(n int) Option {
	return func(c *config) {
		if n > 0 && n <= ChunkSize {
			c.chunkSize = n
		}
	}
}

// WithChunkRetries sets how many times a failed chunk write is retried in
// place before the session aborts.
func WithChunkRetries(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.chunkRetries = n
		}
	}
}

// WithProgress installs a progress callback, invoked after every phase change
// and every acknowledged chunk.
func WithProgress(fn ProgressFunc) Option {
	return func(c *config) {
		c.progress = fn
	}
}
