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
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/golang/glog"
	"go.bug.st/serial"
)

var (
	// ErrDeviceBusy indicates the device path is already held by another
	// session in this process.
	ErrDeviceBusy = errors.New("device is already held by another session")
	// ErrDeviceOpen indicates the serial port could not be opened or the
	// bootloader never answered the sync handshake.
	ErrDeviceOpen = errors.New("failed to open device")
	// ErrTimeout indicates the device did not acknowledge an operation in
	// time.
	ErrTimeout = errors.New("device timed out")
)

// Transport is one open connection to a device bootloader.
//
// Session drives this interface; binding a real device to it keeps the flash
// workflow independent of the underlying transport, the same way the flash
// tool stays independent of individual device drivers.
type Transport interface {
	// Erase performs a full-chip erase of the application region.
	Erase(ctx context.Context) error
	// WriteChunk writes one chunk at the given flash offset and waits for
	// the device acknowledgment.
	WriteChunk(ctx context.Context, offset uint32, p []byte) error
	// ReadBack reads n bytes starting at the given flash offset.
	ReadBack(ctx context.Context, offset uint32, n int) ([]byte, error)
	// Reset asks the device to leave the bootloader and boot the
	// application.
	Reset(ctx context.Context) error
	// Close releases the connection. It must be safe to call more than
	// once.
	Close() error
}

// held tracks open device paths so that at most one transport owns a given
// device at a time.
var held = struct {
	sync.Mutex
	paths map[string]bool
}{paths: map[string]bool{}}

func acquirePath(path string) error {
	held.Lock()
	defer held.Unlock()
	if held.paths[path] {
		return fmt.Errorf("%w: %s", ErrDeviceBusy, path)
	}
	held.paths[path] = true
	return nil
}

func releasePath(path string) {
	held.Lock()
	defer held.Unlock()
	delete(held.paths, path)
}

const (
	defaultReadTimeout = 5 * time.Second
	syncAttempts       = 3
)

type serialTransport struct {
	path string
	port serial.Port

	closeOnce sync.Once
	closeErr  error
}

// OpenSerial opens the bootloader on the serial device at path and performs
// the sync handshake. It fails with ErrDeviceBusy if the path is already held
// by another session, and with an ErrDeviceOpen wrap on any transport
// failure.
func OpenSerial(path string, baud int) (Transport, error) {
	if err := acquirePath(path); err != nil {
		return nil, err
	}
	port, err := serial.Open(path, &serial.Mode{BaudRate: baud})
	if err != nil {
		releasePath(path)
		return nil, fmt.Errorf("%w: %s: %v", ErrDeviceOpen, path, err)
	}
	t := &serialTransport{path: path, port: port}
	if err := port.SetReadTimeout(defaultReadTimeout); err != nil {
		t.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrDeviceOpen, path, err)
	}

	t.enterBootloader()
	if err := t.sync(); err != nil {
		t.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrDeviceOpen, path, err)
	}
	glog.Infof("Opened %s at %d baud", path, baud)
	return t, nil
}

// enterBootloader pulses the auto-reset lines: RTS drives the reset pin and
// DTR holds the boot strap low so the chip comes back up in its bootloader.
func (t *serialTransport) enterBootloader() {
	if err := t.port.SetDTR(true); err != nil {
		glog.V(1).Infof("SetDTR: %v", err)
	}
	if err := t.port.SetRTS(true); err != nil {
		glog.V(1).Infof("SetRTS: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := t.port.SetRTS(false); err != nil {
		glog.V(1).Infof("SetRTS: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := t.port.SetDTR(false); err != nil {
		glog.V(1).Infof("SetDTR: %v", err)
	}
	if err := t.port.ResetInputBuffer(); err != nil {
		glog.V(1).Infof("ResetInputBuffer: %v", err)
	}
}

func (t *serialTransport) sync() error {
	var err error
	for i := 0; i < syncAttempts; i++ {
		if _, err = t.roundTrip(context.Background(), "sync", cmdSync, nil); err == nil {
			return nil
		}
		glog.V(1).Infof("Sync attempt %d on %s: %v", i+1, t.path, err)
	}
	return fmt.Errorf("bootloader did not answer sync: %v", err)
}

func (t *serialTransport) Erase(ctx context.Context) error {
	_, err := t.roundTrip(ctx, "erase", cmdErase, nil)
	return err
}

func (t *serialTransport) WriteChunk(ctx context.Context, offset uint32, p []byte) error {
	if len(p) > ChunkSize {
		return fmt.Errorf("chunk of %d bytes exceeds maximum %d", len(p), ChunkSize)
	}
	_, err := t.roundTrip(ctx, "write", cmdWrite, writePayload(offset, p))
	return err
}

func (t *serialTransport) ReadBack(ctx context.Context, offset uint32, n int) ([]byte, error) {
	if n > ChunkSize {
		return nil, fmt.Errorf("read-back of %d bytes exceeds maximum %d", n, ChunkSize)
	}
	b, err := t.roundTrip(ctx, "read back", cmdReadBack, readBackPayload(offset, n))
	if err != nil {
		return nil, err
	}
	if len(b) != n {
		return nil, fmt.Errorf("read back %d bytes at 0x%X, want %d", len(b), offset, n)
	}
	return b, nil
}

// Reset is fire-and-forget: the device reboots into the application and may
// never acknowledge, so only the write leg is checked.
func (t *serialTransport) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := t.port.Write(encodeFrame(cmdReset, nil)); err != nil {
		return fmt.Errorf("sending reset: %w", err)
	}
	return nil
}

func (t *serialTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.port.Close()
		releasePath(t.path)
	})
	return t.closeErr
}

// roundTrip sends one command frame and decodes the device's response.
// Cancellation is checked before the exchange only: a frame in flight is
// always run to its acknowledgment.
func (t *serialTransport) roundTrip(ctx context.Context, op string, cmd byte, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := t.port.SetReadTimeout(time.Until(deadline)); err != nil {
			return nil, fmt.Errorf("%s: setting read timeout: %w", op, err)
		}
		defer func() {
			if err := t.port.SetReadTimeout(defaultReadTimeout); err != nil {
				glog.Warningf("Failed to restore read timeout on %s: %v", t.path, err)
			}
		}()
	}
	if _, err := t.port.Write(encodeFrame(cmd, payload)); err != nil {
		return nil, fmt.Errorf("%s: writing command: %w", op, err)
	}
	status, resp, err := decodeFrame(timeoutReader{t.port})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if status != statusOK {
		return nil, &StatusError{Op: op, Status: status}
	}
	return resp, nil
}

// timeoutReader maps the zero-byte reads the serial library produces on
// read-timeout expiry to ErrTimeout, which would otherwise spin io.ReadFull
// forever.
type timeoutReader struct {
	r io.Reader
}

func (t timeoutReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n == 0 && err == nil {
		return 0, ErrTimeout
	}
	return n, err
}
