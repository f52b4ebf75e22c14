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

// Package devices selects the serial port a target board is attached to.
//
// Selection is either explicit (a path given by the operator, validated and
// returned unchanged) or heuristic: enumerate the system's USB serial ports
// and match them against the VID:PID signatures of the bridge chips fitted to
// the supported boards. The heuristic never guesses between multiple
// candidates.
package devices

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/golang/glog"
	"go.bug.st/serial/enumerator"
)

// ErrNoDeviceFound indicates no attached serial port matched a known board
// signature (or the explicit path does not exist).
var ErrNoDeviceFound = errors.New("no matching serial device found")

// AmbiguousDeviceError indicates more than one attached port matched and the
// operator must disambiguate.
type AmbiguousDeviceError struct {
	Paths []string
}

func (e *AmbiguousDeviceError) Error() string {
	return fmt.Sprintf("%d candidate devices found (%s); pass --device to pick one", len(e.Paths), strings.Join(e.Paths, ", "))
}

type usbSignature struct {
	vid, pid string
}

// USB serial bridges commonly fitted to the supported ESP32-class boards.
var knownSignatures = map[usbSignature]string{
	{"303A", "1001"}: "Espressif USB-JTAG/serial",
	{"10C4", "EA60"}: "Silicon Labs CP210x",
	{"1A86", "7523"}: "WCH CH340",
	{"0403", "6001"}: "FTDI FT232R",
}

// Candidate is one attached port that matched a known board signature.
type Candidate struct {
	Path        string
	Description string
	VID         string
	PID         string
}

// PortLister enumerates the system's serial ports.
type PortLister func() ([]*enumerator.PortDetails, error)

// SystemPorts is the PortLister backed by the operating system.
func SystemPorts() ([]*enumerator.PortDetails, error) {
	return enumerator.GetDetailedPortsList()
}

// Locator selects the serial port to flash.
type Locator struct {
	// Ports enumerates candidate ports; SystemPorts when nil.
	Ports PortLister
}

func (l Locator) lister() PortLister {
	if l.Ports != nil {
		return l.Ports
	}
	return SystemPorts
}

// Locate returns the path of the device to flash.
//
// A non-empty explicit path always wins: it is validated to exist and
// returned unchanged. Otherwise the attached ports are matched against the
// known signatures; exactly one match is required.
func (l Locator) Locate(explicit string) (string, error) {
	if explicit != "" {
		return l.validate(explicit)
	}

	cands, err := l.Candidates()
	if err != nil {
		return "", err
	}
	switch len(cands) {
	case 0:
		return "", fmt.Errorf("%w: no attached port matches a known board signature", ErrNoDeviceFound)
	case 1:
		glog.Infof("Selected %s (%s)", cands[0].Path, cands[0].Description)
		return cands[0].Path, nil
	default:
		paths := make([]string, 0, len(cands))
		for _, c := range cands {
			paths = append(paths, c.Path)
		}
		return "", &AmbiguousDeviceError{Paths: paths}
	}
}

// Candidates enumerates the attached ports matching a known board signature,
// in stable path order.
func (l Locator) Candidates() ([]Candidate, error) {
	ports, err := l.lister()()
	if err != nil {
		return nil, fmt.Errorf("enumerating serial ports: %w", err)
	}
	var cands []Candidate
	for _, p := range ports {
		if !p.IsUSB {
			continue
		}
		sig := usbSignature{strings.ToUpper(p.VID), strings.ToUpper(p.PID)}
		desc, ok := knownSignatures[sig]
		if !ok {
			glog.V(1).Infof("Ignoring %s (%s:%s)", p.Name, p.VID, p.PID)
			continue
		}
		cands = append(cands, Candidate{
			Path:        p.Name,
			Description: desc,
			VID:         sig.vid,
			PID:         sig.pid,
		})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].Path < cands[j].Path })
	return cands, nil
}

// validate confirms an explicitly named port exists. Ports the enumerator
// does not report (e.g. non-USB TTYs, PTY loopbacks used in tests) are
// accepted when the path exists on the filesystem; an explicit path always
// wins, so even a failing enumerator only downgrades to that stat check.
func (l Locator) validate(path string) (string, error) {
	ports, enumErr := l.lister()()
	if enumErr != nil {
		glog.Warningf("Enumerating serial ports: %v; trusting explicit path %s", enumErr, path)
	}
	for _, p := range ports {
		if p.Name == path {
			return path, nil
		}
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrNoDeviceFound, path, err)
	}
	if enumErr == nil {
		glog.Warningf("%s is not an enumerated serial port, using it anyway", path)
	}
	return path, nil
}
