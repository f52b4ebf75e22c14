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

// Package provision sequences the full workflow: fetch a release artifact,
// locate the target device, open it, and drive a flash session.
//
// Retry lives where it is safe: inside the fetcher for network I/O and
// around device open (a freshly plugged board may still be enumerating).
// Locate is deterministic and never retried, and the flash session handles
// its own per-chunk retries.
package provision

import (
	"context"
	"errors"
	"fmt"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"

	"github.com/aviator-labs/provision/api"
	"github.com/aviator-labs/provision/internal/devices"
	"github.com/aviator-labs/provision/internal/fetch"
	"github.com/aviator-labs/provision/internal/flash"
)

// Workflow phases, in order. Report.LastPhase names the last one that
// completed.
const (
	PhaseStart  = "start"
	PhaseFetch  = "fetch"
	PhaseLocate = "locate"
	PhaseOpen   = "open"
	PhaseFlash  = "flash"
	PhaseDone   = "done"
)

// Fetcher resolves a release tag to a verified artifact.
type Fetcher interface {
	Fetch(ctx context.Context, release string) (*api.Artifact, error)
}

// Locator selects the target device path.
type Locator interface {
	Locate(explicit string) (string, error)
}

// OpenFunc opens a flash transport on a device path.
type OpenFunc func(path string, baud int) (flash.Transport, error)

// Event is a phase-transition notification for progress display.
type Event struct {
	Phase  string
	Detail string
}

// EventFunc receives workflow events.
type EventFunc func(Event)

// Report is the user-facing outcome of one provisioning run. On failure it
// carries the last completed phase, the bytes written so far, and a
// remediation hint.
type Report struct {
	Release      string
	DevicePath   string
	BytesWritten int
	LastPhase    string
	ResetWarning error
	Hint         string
}

// Orchestrator wires the workflow's collaborators together.
type Orchestrator struct {
	Fetcher Fetcher
	Locator Locator
	Open    OpenFunc
	// OpenRetries bounds the device-open retry loop.
	OpenRetries uint64
	// Events, when non-nil, receives phase transitions.
	Events EventFunc
	// SessionOpts are passed through to the flash session.
	SessionOpts []flash.Option
}

// Provision runs the workflow for one release against one device. The
// returned Report is non-nil even on failure. Whatever happens, no device
// handle remains open when Provision returns.
func (o Orchestrator) Provision(ctx context.Context, release, explicitPath string, baud int) (*Report, error) {
	r := &Report{Release: release, LastPhase: PhaseStart}

	o.event(PhaseFetch, release)
	artifact, err := o.Fetcher.Fetch(ctx, release)
	if err != nil {
		r.Hint = hintFor(err)
		return r, fmt.Errorf("fetching release %q: %w", release, err)
	}
	r.LastPhase = PhaseFetch
	glog.Infof("Fetched %q: %d bytes, digest verified", release, len(artifact.Image))

	o.event(PhaseLocate, explicitPath)
	path, err := o.Locator.Locate(explicitPath)
	if err != nil {
		r.Hint = hintFor(err)
		return r, fmt.Errorf("locating device: %w", err)
	}
	r.LastPhase = PhaseLocate
	r.DevicePath = path

	o.event(PhaseOpen, path)
	t, err := o.open(ctx, path, baud)
	if err != nil {
		r.Hint = hintFor(err)
		return r, fmt.Errorf("opening device %s: %w", path, err)
	}
	r.LastPhase = PhaseOpen

	o.event(PhaseFlash, path)
	opts := append([]flash.Option{flash.WithProgress(func(p flash.Progress) {
		r.BytesWritten = p.BytesWritten
		o.event(p.Phase.String(), fmt.Sprintf("%d/%d bytes", p.BytesWritten, p.TotalBytes))
	})}, o.SessionOpts...)
	res, err := flash.NewSession(t, opts...).Run(ctx, artifact)
	if err != nil {
		r.Hint = hintFor(err)
		return r, fmt.Errorf("flashing %s: %w", path, err)
	}
	r.LastPhase = PhaseDone
	r.BytesWritten = res.BytesWritten
	if res.ResetWarning != nil {
		r.ResetWarning = res.ResetWarning
		r.Hint = "power-cycle the device manually to boot the new firmware"
	}
	o.event(PhaseDone, fmt.Sprintf("%d bytes verified on %s", res.BytesWritten, path))
	return r, nil
}

// open retries transient open failures with exponential backoff. A busy
// device is not transient: the single-owner contract says exactly one opener
// wins, so ErrDeviceBusy is surfaced immediately.
func (o Orchestrator) open(ctx context.Context, path string, baud int) (flash.Transport, error) {
	var t flash.Transport
	op := func() error {
		var err error
		t, err = o.Open(path, baud)
		if err == nil {
			return nil
		}
		if errors.Is(err, flash.ErrDeviceBusy) {
			return backoff.Permanent(err)
		}
		glog.Warningf("Opening %s: %v", path, err)
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), o.OpenRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return t, nil
}

func (o Orchestrator) event(phase, detail string) {
	if o.Events != nil {
		o.Events(Event{Phase: phase, Detail: detail})
	}
}

// hintFor maps a failure to a one-line remediation hint for the operator.
func hintFor(err error) string {
	var (
		amb *devices.AmbiguousDeviceError
		ck  *fetch.ChecksumMismatchError
		vm  *flash.VerifyMismatchError
		we  *flash.WriteError
	)
	switch {
	case errors.As(err, &ck):
		return "the release host served a corrupt image; retry, or pin a different release"
	case errors.Is(err, fetch.ErrReleaseNotFound):
		return "check the release tag and the manifest base URL"
	case errors.As(err, &amb):
		return "pass --device to pick one of the listed ports"
	case errors.Is(err, devices.ErrNoDeviceFound):
		return "plug the device in, or pass --device with its port path"
	case errors.Is(err, flash.ErrDeviceBusy):
		return "another provisioning session holds the device; wait for it to finish"
	case errors.Is(err, flash.ErrDeviceOpen):
		return "check the cable and that the board is in bootloader mode, then retry"
	case errors.Is(err, flash.ErrTimeout):
		return "power-cycle the device and retry"
	case errors.As(err, &we), errors.As(err, &vm):
		return "power-cycle the device and retry; the previous firmware has been erased"
	default:
		return "check connectivity to the release host and the device connection"
	}
}
