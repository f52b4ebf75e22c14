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

package flash_test

import (
	"bytes"
	"context"
	"crypto/sha512"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/aviator-labs/provision/api"
	"github.com/aviator-labs/provision/internal/flash"
	"github.com/aviator-labs/provision/internal/flash/flashtest"
)

func testArtifact(size int) *api.Artifact {
	image := make([]byte, size)
	for i := range image {
		image[i] = byte(i)
	}
	return &api.Artifact{
		Release:  "v1.26.1",
		Image:    image,
		SHA512:   sha512.Sum512(image),
		Verified: true,
	}
}

func TestSessionHappyPath(t *testing.T) {
	dev := flashtest.New()
	a := testArtifact(3*flash.ChunkSize + 100)

	var phases []flash.Phase
	s := flash.NewSession(dev, flash.WithProgress(func(p flash.Progress) {
		if len(phases) == 0 || phases[len(phases)-1] != p.Phase {
			phases = append(phases, p.Phase)
		}
	}))
	res, err := s.Run(context.Background(), a)
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if res.BytesWritten != len(a.Image) {
		t.Errorf("BytesWritten = %d, want %d", res.BytesWritten, len(a.Image))
	}
	if res.ResetWarning != nil {
		t.Errorf("ResetWarning = %v, want nil", res.ResetWarning)
	}
	if got := s.Phase(); got != flash.PhaseClosed {
		t.Errorf("final phase = %s, want closed", got)
	}

	wantPhases := []flash.Phase{flash.PhaseErasing, flash.PhaseWriting, flash.PhaseVerifying, flash.PhaseResetting}
	if d := cmp.Diff(phases, wantPhases); len(d) != 0 {
		t.Errorf("phase sequence diff: %s", d)
	}
	if dev.Erased != 1 || dev.Resets != 1 || dev.CloseCalls != 1 {
		t.Errorf("erase/reset/close = %d/%d/%d, want 1/1/1", dev.Erased, dev.Resets, dev.CloseCalls)
	}
	if got := dev.Flash(flash.ImageOffset, len(a.Image)); !bytes.Equal(got, a.Image) {
		t.Error("flashed bytes differ from artifact image")
	}
}

func TestSessionRefusesUnverifiedArtifact(t *testing.T) {
	dev := flashtest.New()
	a := testArtifact(128)
	a.Verified = false

	if _, err := flash.NewSession(dev).Run(context.Background(), a); !errors.Is(err, flash.ErrUnverifiedArtifact) {
		t.Fatalf("Run() = %v, want ErrUnverifiedArtifact", err)
	}
	if dev.Erased != 0 {
		t.Error("unverified artifact reached the erase phase")
	}
}

func TestSessionChunkRetrySucceeds(t *testing.T) {
	dev := flashtest.New()
	a := testArtifact(2 * flash.ChunkSize)
	// Second chunk fails twice, then succeeds within the retry budget.
	dev.WriteFailures[flash.ImageOffset+flash.ChunkSize] = 2

	res, err := flash.NewSession(dev, flash.WithChunkRetries(3)).Run(context.Background(), a)
	if err != nil {
		t.Fatalf("Run() = %v, want success after in-place retries", err)
	}
	if res.BytesWritten != len(a.Image) {
		t.Errorf("BytesWritten = %d, want %d", res.BytesWritten, len(a.Image))
	}
}

func TestSessionChunkRetriesExhausted(t *testing.T) {
	dev := flashtest.New()
	a := testArtifact(2 * flash.ChunkSize)
	dev.WriteFailures[flash.ImageOffset+flash.ChunkSize] = 100

	_, err := flash.NewSession(dev, flash.WithChunkRetries(2)).Run(context.Background(), a)
	var we *flash.WriteError
	if !errors.As(err, &we) {
		t.Fatalf("Run() = %v, want WriteError", err)
	}
	if we.Offset != flash.ImageOffset+flash.ChunkSize {
		t.Errorf("WriteError.Offset = 0x%X, want 0x%X", we.Offset, flash.ImageOffset+flash.ChunkSize)
	}
	if we.BytesWritten != flash.ChunkSize {
		t.Errorf("WriteError.BytesWritten = %d, want %d", we.BytesWritten, flash.ChunkSize)
	}
	if dev.CloseCalls != 1 {
		t.Errorf("CloseCalls = %d, want 1 even on abort", dev.CloseCalls)
	}
}

func TestSessionVerifyCatchesSingleBitCorruption(t *testing.T) {
	dev := flashtest.New()
	a := testArtifact(flash.ChunkSize + 17)
	// Flip one bit inside the written region between write and read-back.
	dev.CorruptBit = int64(flash.ImageOffset+42)*8 + 3

	_, err := flash.NewSession(dev).Run(context.Background(), a)
	var vm *flash.VerifyMismatchError
	if !errors.As(err, &vm) {
		t.Fatalf("Run() = %v, want VerifyMismatchError", err)
	}
	if dev.CloseCalls != 1 {
		t.Errorf("CloseCalls = %d, want 1", dev.CloseCalls)
	}
}

func TestSessionResetFailureIsWarning(t *testing.T) {
	dev := flashtest.New()
	dev.ResetErr = errors.New("device vanished before reset")
	a := testArtifact(512)

	res, err := flash.NewSession(dev).Run(context.Background(), a)
	if err != nil {
		t.Fatalf("Run() = %v, want success with warning", err)
	}
	if res.ResetWarning == nil {
		t.Fatal("ResetWarning = nil, want the reset failure")
	}
	if res.BytesWritten != len(a.Image) {
		t.Errorf("BytesWritten = %d, want %d", res.BytesWritten, len(a.Image))
	}
}

func TestSessionCloseFailureAfterSuccessAborts(t *testing.T) {
	dev := flashtest.New()
	dev.CloseErr = errors.New("port vanished")
	a := testArtifact(256)

	s := flash.NewSession(dev)
	res, err := s.Run(context.Background(), a)
	if err == nil {
		t.Fatal("Run() succeeded despite close failure")
	}
	if res != nil {
		t.Errorf("Run() returned result %+v alongside error", res)
	}
	if got := s.Phase(); got != flash.PhaseAborted {
		t.Errorf("final phase = %s, want aborted when close fails", got)
	}
}

func TestSessionEraseFailureAborts(t *testing.T) {
	dev := flashtest.New()
	dev.EraseErr = errors.New("erase refused")
	a := testArtifact(512)

	s := flash.NewSession(dev)
	if _, err := s.Run(context.Background(), a); err == nil {
		t.Fatal("Run() succeeded despite erase failure")
	}
	if got := s.Phase(); got != flash.PhaseAborted {
		t.Errorf("final phase = %s, want aborted", got)
	}
	if dev.CloseCalls != 1 {
		t.Errorf("CloseCalls = %d, want 1", dev.CloseCalls)
	}
}

func TestSessionCancellationBetweenChunks(t *testing.T) {
	dev := flashtest.New()
	a := testArtifact(4 * flash.ChunkSize)

	ctx, cancel := context.WithCancel(context.Background())
	var sawBytes int
	s := flash.NewSession(dev, flash.WithProgress(func(p flash.Progress) {
		if p.Phase == flash.PhaseWriting && p.BytesWritten > 0 && sawBytes == 0 {
			sawBytes = p.BytesWritten
			// Cancel mid-write; the session must finish the in-flight
			// chunk and abort at the next boundary.
			cancel()
		}
	}))
	_, err := s.Run(ctx, a)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() = %v, want context.Canceled", err)
	}
	if sawBytes != flash.ChunkSize {
		t.Errorf("first progress report at %d bytes, want one full chunk (%d)", sawBytes, flash.ChunkSize)
	}
	if got := s.Phase(); got != flash.PhaseAborted {
		t.Errorf("final phase = %s, want aborted", got)
	}
	if dev.CloseCalls != 1 {
		t.Errorf("CloseCalls = %d, want 1", dev.CloseCalls)
	}
}

func TestSessionIsSingleUse(t *testing.T) {
	dev := flashtest.New()
	a := testArtifact(64)
	s := flash.NewSession(dev)
	if _, err := s.Run(context.Background(), a); err != nil {
		t.Fatalf("first Run() = %v", err)
	}
	if _, err := s.Run(context.Background(), a); err == nil {
		t.Fatal("second Run() succeeded, want refusal")
	}
	if dev.CloseCalls != 1 {
		t.Errorf("CloseCalls = %d, want 1 (second run must not touch the transport)", dev.CloseCalls)
	}
}
