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

// Package impl is the implementation of the provision tool.
package impl

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/golang/glog"

	"github.com/aviator-labs/provision/internal/devices"
	"github.com/aviator-labs/provision/internal/fetch"
	"github.com/aviator-labs/provision/internal/flash"
	"github.com/aviator-labs/provision/internal/provision"
)

// Exit codes, distinct per failure kind so calling scripts can branch.
const (
	ExitOK               = 0
	ExitUsage            = 1
	ExitNetwork          = 2
	ExitChecksumMismatch = 3
	ExitNoDevice         = 4
	ExitFlashFailure     = 5
)

// ProvisionOpts encapsulates provision tool parameters.
type ProvisionOpts struct {
	Release      string
	DevicePath   string
	Baud         int
	ManifestURL  string
	CacheDir     string
	ListDevices  bool
	FetchRetries uint64
	OpenRetries  uint64
}

// Main runs the tool. The returned report is non-nil whenever a provisioning
// run was attempted, even if it failed.
func Main(opts ProvisionOpts) (*provision.Report, error) {
	if opts.ListDevices {
		return nil, listDevices()
	}
	if opts.Release == "" {
		return nil, errors.New("must specify --release")
	}
	base, err := url.Parse(opts.ManifestURL)
	if err != nil || !base.IsAbs() {
		return nil, fmt.Errorf("manifest_url %q is invalid", opts.ManifestURL)
	}
	// Relative resolution drops the last path element without this.
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	// A user-initiated interrupt aborts at the next safe boundary; the
	// session never stops mid-chunk.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	orch := provision.Orchestrator{
		Fetcher: fetch.Fetcher{
			BaseURL:    base,
			MaxRetries: opts.FetchRetries,
			CacheDir:   opts.CacheDir,
		},
		Locator:     devices.Locator{},
		Open:        flash.OpenSerial,
		OpenRetries: opts.OpenRetries,
		Events: func(e provision.Event) {
			glog.Infof("[%s] %s", e.Phase, e.Detail)
		},
	}
	return orch.Provision(ctx, opts.Release, opts.DevicePath, opts.Baud)
}

func listDevices() error {
	cands, err := devices.Locator{}.Candidates()
	if err != nil {
		return err
	}
	if len(cands) == 0 {
		fmt.Println("no candidate devices attached")
		return nil
	}
	for _, c := range cands {
		fmt.Printf("%s\t%s (VID=%s PID=%s)\n", c.Path, c.Description, c.VID, c.PID)
	}
	return nil
}

// ExitCode maps a failure to the tool's exit code taxonomy.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var (
		ck  *fetch.ChecksumMismatchError
		net *fetch.NetworkError
		amb *devices.AmbiguousDeviceError
		se  *flash.StatusError
		we  *flash.WriteError
		vm  *flash.VerifyMismatchError
	)
	switch {
	case errors.As(err, &ck):
		return ExitChecksumMismatch
	case errors.As(err, &net), errors.Is(err, fetch.ErrReleaseNotFound):
		return ExitNetwork
	case errors.Is(err, devices.ErrNoDeviceFound), errors.As(err, &amb):
		return ExitNoDevice
	case errors.Is(err, flash.ErrDeviceBusy),
		errors.Is(err, flash.ErrDeviceOpen),
		errors.Is(err, flash.ErrTimeout),
		errors.Is(err, flash.ErrUnverifiedArtifact),
		errors.As(err, &se),
		errors.As(err, &we),
		errors.As(err, &vm):
		return ExitFlashFailure
	default:
		return ExitUsage
	}
}
