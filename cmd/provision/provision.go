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

// provision downloads a firmware release, verifies it, and writes it to an
// attached board over its serial bootloader.
//
// Usage:
//
//	provision --logtostderr --release v1.26.1 [--device /dev/ttyUSB0] [--baud 115200]
//
// The manifest base URL and default baud rate can also be set through the
// PROVISION_MANIFEST_URL and PROVISION_BAUD environment variables. Exit codes
// are distinct per failure kind so calling scripts can branch on them.
package main

import (
	"flag"
	"os"
	"strconv"

	"github.com/golang/glog"

	"github.com/aviator-labs/provision/cmd/provision/impl"
)

var (
	release     = flag.String("release", "", "Firmware release tag to provision, e.g. v1.26.1")
	device      = flag.String("device", "", "Serial device path; autodetected when empty")
	baud        = flag.Int("baud", defaultBaud(), "Serial baud rate")
	manifestURL = flag.String("manifest_url", defaultManifestURL(), "Base URL of the firmware release host")
	cacheDir    = flag.String("cache_dir", "", "Directory to keep a copy of downloaded images in")
	listDevices = flag.Bool("list_devices", false, "List candidate serial devices and exit")
	fetchTries  = flag.Uint64("fetch_retries", 4, "Retries of transient network failures per request")
	openTries   = flag.Uint64("open_retries", 3, "Retries of transient device open failures")
)

func defaultManifestURL() string {
	if v := os.Getenv("PROVISION_MANIFEST_URL"); v != "" {
		return v
	}
	return "https://releases.aviator-labs.dev/firmware/"
}

func defaultBaud() int {
	if v := os.Getenv("PROVISION_BAUD"); v != "" {
		if b, err := strconv.Atoi(v); err == nil && b > 0 {
			return b
		}
		glog.Warningf("Ignoring invalid PROVISION_BAUD %q", v)
	}
	return 115200
}

func main() {
	flag.Parse()

	report, err := impl.Main(impl.ProvisionOpts{
		Release:      *release,
		DevicePath:   *device,
		Baud:         *baud,
		ManifestURL:  *manifestURL,
		CacheDir:     *cacheDir,
		ListDevices:  *listDevices,
		FetchRetries: *fetchTries,
		OpenRetries:  *openTries,
	})
	if err != nil {
		if report != nil {
			glog.Errorf("Provisioning failed after %q phase (%d bytes written): %v", report.LastPhase, report.BytesWritten, err)
			if report.Hint != "" {
				glog.Errorf("Hint: %s", report.Hint)
			}
		} else {
			glog.Errorf("Provisioning failed: %v", err)
		}
		glog.Flush()
		os.Exit(impl.ExitCode(err))
	}
	if report != nil && report.ResetWarning != nil {
		glog.Warningf("Firmware verified but device reset failed: %v", report.ResetWarning)
		glog.Warning("Power-cycle the device manually to boot the new firmware.")
	}
	glog.Flush()
}
