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

// Package flash writes a verified firmware artifact to a device bootloader.
//
// One Session owns one Transport and drives it through a fixed cycle:
//
//	Closed → Erasing → Writing → Verifying → Resetting → Closed
//
// with Aborted as the terminal state of any failed run. The transport is
// closed on every exit path.
package flash

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/golang/glog"

	"github.com/aviator-labs/provision/api"
)

// ErrUnverifiedArtifact indicates a caller tried to flash an artifact whose
// checksum was never verified. Session refuses these unconditionally.
var ErrUnverifiedArtifact = errors.New("refusing to flash unverified artifact")

// Phase is a state of the flash cycle.
type Phase int

const (
	PhaseClosed Phase = iota
	PhaseErasing
	PhaseWriting
	PhaseVerifying
	PhaseResetting
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseClosed:
		return "closed"
	case PhaseErasing:
		return "erasing"
	case PhaseWriting:
		return "writing"
	case PhaseVerifying:
		return "verifying"
	case PhaseResetting:
		return "resetting"
	case PhaseAborted:
		return "aborted"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// WriteError reports a chunk write that failed after its in-place retries.
type WriteError struct {
	Offset       uint32
	BytesWritten int
	Err          error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("writing chunk at 0x%X (%d bytes already written): %v", e.Offset, e.BytesWritten, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// VerifyMismatchError reports that the bytes read back from flash do not
// match the artifact.
type VerifyMismatchError struct {
	Want [sha256.Size]byte
	Got  [sha256.Size]byte
}

func (e *VerifyMismatchError) Error() string {
	return fmt.Sprintf("flash verification failed: read-back digest %x, want %x", e.Got, e.Want)
}

// Progress is a point-in-time view of a running session, delivered to the
// configured ProgressFunc after every phase change and acked chunk.
type Progress struct {
	Phase        Phase
	BytesWritten int
	TotalBytes   int
}

// ProgressFunc receives session progress updates.
type ProgressFunc func(Progress)

// Result describes a successful session.
type Result struct {
	BytesWritten int
	// ResetWarning is non-nil when the firmware was written and verified
	// but the convenience reset failed; the device needs a manual
	// power-cycle.
	ResetWarning error
}

// Session drives one erase/write/verify/reset cycle on one open transport.
// A Session is single-use: Run may be called once.
type Session struct {
	t   Transport
	cfg config

	ran          bool
	phase        Phase
	bytesWritten int
	total        int
}

// NewSession creates a session owning the given transport. The transport is
// closed when Run returns, whatever the outcome.
func NewSession(t Transport, opts ...Option) *Session {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Session{t: t, cfg: cfg}
}

// Phase returns the session's current phase.
func (s *Session) Phase() Phase {
	return s.phase
}

// BytesWritten returns the number of image bytes acknowledged by the device
// so far.
func (s *Session) BytesWritten() int {
	return s.bytesWritten
}

// Run performs the full flash cycle for the artifact.
//
// Cancellation is honored at phase boundaries and between chunks only; a
// cancellation arriving mid-chunk takes effect once the in-flight chunk has
// been acknowledged, so the device is never left mid-transfer.
func (s *Session) Run(ctx context.Context, a *api.Artifact) (res *Result, err error) {
	if s.ran {
		return nil, fmt.Errorf("session already run (phase %s)", s.phase)
	}
	s.ran = true
	defer func() {
		if cerr := s.t.Close(); cerr != nil {
			glog.Warningf("Failed to close device: %v", cerr)
			if err == nil {
				res, err = nil, fmt.Errorf("closing device: %w", cerr)
			}
		}
		// The phase is only final once the close outcome is known.
		if err != nil {
			s.phase = PhaseAborted
		} else {
			s.phase = PhaseClosed
		}
	}()
	if a == nil || !a.Verified {
		return nil, ErrUnverifiedArtifact
	}
	s.total = len(a.Image)

	if err := s.erase(ctx); err != nil {
		return nil, err
	}
	if err := s.write(ctx, a.Image); err != nil {
		return nil, err
	}
	if err := s.verify(ctx, a.Image); err != nil {
		return nil, err
	}

	s.setPhase(PhaseResetting)
	res = &Result{BytesWritten: s.bytesWritten}
	if rerr := s.t.Reset(ctx); rerr != nil {
		// The firmware is verified on flash at this point, so a failed
		// reset downgrades to a warning.
		glog.Warningf("Device reset failed, power-cycle the device manually: %v", rerr)
		res.ResetWarning = rerr
	}
	return res, nil
}

// erase performs the full-chip erase. Erase is not safely retryable once
// started, so a timeout here is fatal to the session.
func (s *Session) erase(ctx context.Context) error {
	s.setPhase(PhaseErasing)
	ectx, cancel := context.WithTimeout(ctx, s.cfg.eraseTimeout)
	defer cancel()
	if err := s.t.Erase(ectx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: erase did not complete within %v", ErrTimeout, s.cfg.eraseTimeout)
		}
		return fmt.Errorf("erasing flash: %w", err)
	}
	return nil
}

func (s *Session) write(ctx context.Context, image []byte) error {
	s.setPhase(PhaseWriting)
	for off := 0; off < len(image); off += s.cfg.chunkSize {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("cancelled after %d bytes: %w", s.bytesWritten, err)
		}
		end := off + s.cfg.chunkSize
		if end > len(image) {
			end = len(image)
		}
		target := uint32(ImageOffset + off)
		if err := s.writeChunk(ctx, target, image[off:end]); err != nil {
			return &WriteError{Offset: target, BytesWritten: s.bytesWritten, Err: err}
		}
		s.bytesWritten += end - off
		s.report()
	}
	return nil
}

// writeChunk sends one chunk, retrying in place up to the configured count.
// Cancellation errors are never retried.
func (s *Session) writeChunk(ctx context.Context, offset uint32, p []byte) error {
	var err error
	for attempt := 0; attempt <= s.cfg.chunkRetries; attempt++ {
		if err = s.t.WriteChunk(ctx, offset, p); err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		glog.Warningf("Chunk write at 0x%X failed (attempt %d of %d): %v", offset, attempt+1, s.cfg.chunkRetries+1, err)
	}
	return err
}

// verify reads the written region back and compares digests. Any mismatch is
// a hard failure; there is no partial acceptance.
func (s *Session) verify(ctx context.Context, image []byte) error {
	s.setPhase(PhaseVerifying)
	want := sha256.Sum256(image)
	h := sha256.New()
	for off := 0; off < len(image); off += s.cfg.chunkSize {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("cancelled during verify: %w", err)
		}
		n := s.cfg.chunkSize
		if off+n > len(image) {
			n = len(image) - off
		}
		b, err := s.t.ReadBack(ctx, uint32(ImageOffset+off), n)
		if err != nil {
			return fmt.Errorf("reading back at 0x%X: %w", ImageOffset+off, err)
		}
		h.Write(b)
	}
	var got [sha256.Size]byte
	copy(got[:], h.Sum(nil))
	if got != want {
		return &VerifyMismatchError{Want: want, Got: got}
	}
	return nil
}

func (s *Session) setPhase(p Phase) {
	s.phase = p
	glog.V(1).Infof("Session phase: %s", p)
	s.report()
}

func (s *Session) report() {
	if s.cfg.progress != nil {
		s.cfg.progress(Progress{Phase: s.phase, BytesWritten: s.bytesWritten, TotalBytes: s.total})
	}
}
