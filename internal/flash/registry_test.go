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

import (
	"errors"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"
)

func TestAcquirePathExclusive(t *testing.T) {
	const path = "/dev/ttyTEST0"
	if err := acquirePath(path); err != nil {
		t.Fatalf("acquirePath() = %v", err)
	}
	defer releasePath(path)

	if err := acquirePath(path); !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("second acquirePath() = %v, want ErrDeviceBusy", err)
	}
	// A different path is unaffected.
	if err := acquirePath(path + "1"); err != nil {
		t.Fatalf("acquirePath(other) = %v", err)
	}
	releasePath(path + "1")
}

func TestAcquirePathReleaseCycle(t *testing.T) {
	const path = "/dev/ttyTEST1"
	for i := 0; i < 3; i++ {
		if err := acquirePath(path); err != nil {
			t.Fatalf("cycle %d: acquirePath() = %v", i, err)
		}
		releasePath(path)
	}
}

// TestConcurrentAcquire checks the single-owner invariant: of N concurrent
// openers on one path, exactly one wins and the rest see ErrDeviceBusy.
func TestConcurrentAcquire(t *testing.T) {
	const path = "/dev/ttyTEST2"
	const openers = 16

	var wins, busy int64
	var g errgroup.Group
	for i := 0; i < openers; i++ {
		g.Go(func() error {
			err := acquirePath(path)
			switch {
			case err == nil:
				atomic.AddInt64(&wins, 1)
				return nil
			case errors.Is(err, ErrDeviceBusy):
				atomic.AddInt64(&busy, 1)
				return nil
			default:
				return err
			}
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("acquirePath returned unexpected error: %v", err)
	}
	defer releasePath(path)

	if wins != 1 {
		t.Errorf("%d openers won, want exactly 1", wins)
	}
	if busy != openers-1 {
		t.Errorf("%d openers saw ErrDeviceBusy, want %d", busy, openers-1)
	}
}
