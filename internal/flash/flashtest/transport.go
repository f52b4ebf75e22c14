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

// Package flashtest provides an in-memory flash.Transport for tests, in the
// same spirit as a dummy device backed by local storage.
package flashtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Transport is a fake device whose flash is a byte slice. The zero value is
// not usable; call New.
type Transport struct {
	mu  sync.Mutex
	mem []byte

	// EraseErr, when non-nil, is returned by every Erase call.
	EraseErr error
	// WriteFailures maps a flash offset to the number of times WriteChunk
	// at that offset fails before succeeding.
	WriteFailures map[uint32]int
	// ResetErr, when non-nil, is returned by Reset.
	ResetErr error
	// CloseErr, when non-nil, is returned by Close.
	CloseErr error
	// CorruptBit, when >= 0, flips that bit index of the stored flash on
	// every ReadBack, simulating corruption between write and read-back.
	CorruptBit int64

	// Erased counts Erase calls, Resets counts Reset calls, CloseCalls
	// counts Close calls.
	Erased     int
	Resets     int
	CloseCalls int

	closed bool
}

// New returns an empty fake device.
func New() *Transport {
	return &Transport{
		WriteFailures: map[uint32]int{},
		CorruptBit:    -1,
	}
}

func (t *Transport) Erase(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.EraseErr != nil {
		return t.EraseErr
	}
	t.Erased++
	t.mem = nil
	return nil
}

func (t *Transport) WriteChunk(ctx context.Context, offset uint32, p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.closed {
		return errors.New("write on closed transport")
	}
	if n := t.WriteFailures[offset]; n > 0 {
		t.WriteFailures[offset] = n - 1
		return fmt.Errorf("injected write failure at 0x%X", offset)
	}
	end := int(offset) + len(p)
	if end > len(t.mem) {
		t.mem = append(t.mem, make([]byte, end-len(t.mem))...)
	}
	copy(t.mem[offset:end], p)
	return nil
}

func (t *Transport) ReadBack(ctx context.Context, offset uint32, n int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if int(offset)+n > len(t.mem) {
		return nil, fmt.Errorf("read back of [0x%X, 0x%X) beyond flash end 0x%X", offset, int(offset)+n, len(t.mem))
	}
	b := make([]byte, n)
	copy(b, t.mem[offset:int(offset)+n])
	if t.CorruptBit >= 0 {
		idx := t.CorruptBit / 8
		if idx >= int64(offset) && idx < int64(offset)+int64(n) {
			b[idx-int64(offset)] ^= 1 << (t.CorruptBit % 8)
		}
	}
	return b, nil
}

func (t *Transport) Reset(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Resets++
	return t.ResetErr
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CloseCalls++
	t.closed = true
	return t.CloseErr
}

// Flash returns a copy of the bytes stored at [offset, offset+n).
func (t *Transport) Flash(offset uint32, n int) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := make([]byte, n)
	copy(b, t.mem[offset:int(offset)+n])
	return b
}
