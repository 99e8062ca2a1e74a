// Copyright 2021 The gVisor Authors.
// Copyright 2026 The Kalisto Authors.
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

package bitmap

import (
	"testing"
)

func generateFilledSlice(min, max, length int) []uint32 {
	if max == min {
		return []uint32{uint32(min)}
	}
	if length > (max - min) {
		return nil
	}
	randSlice := make([]uint32, length)
	if length != 0 {
		rangeNum := uint32((max - min) / length)
		randSlice[0], randSlice[length-1] = uint32(min), uint32(max)
		for i := 1; i < length-1; i++ {
			randSlice[i] = randSlice[i-1] + rangeNum
		}
	}
	return randSlice
}

func generateFilledBitmap(size uint32, set []uint32) Bitmap {
	b := New(size)
	for _, i := range set {
		b.Add(i)
	}
	return b
}

func TestNewBitmap(t *testing.T) {
	tests := []struct {
		name   string
		size   uint32
		blocks int
	}{
		{"length 1", 1, 1},
		{"length 64", 64, 1},
		{"length 65", 65, 2},
		{"length 4096", 4096, 64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(tt.size)
			if b.Size() != tt.size {
				t.Errorf("Size() = %d, want %d", b.Size(), tt.size)
			}
			if len(b.bitBlock) != tt.blocks {
				t.Errorf("got %d blocks, want %d", len(b.bitBlock), tt.blocks)
			}
			if b.GetNumOnes() != 0 || b.GetNumZeros() != tt.size {
				t.Errorf("new bitmap is not empty")
			}
		})
	}
}

func TestAddRemove(t *testing.T) {
	set := generateFilledSlice(0, 1000, 100)
	b := generateFilledBitmap(1001, set)
	want := make(map[uint32]bool)
	for _, i := range set {
		want[i] = true
	}
	for i := uint32(0); i < b.Size(); i++ {
		if b.IsSet(i) != want[i] {
			t.Fatalf("IsSet(%d) = %t, want %t", i, b.IsSet(i), want[i])
		}
	}
	if b.GetNumOnes() != uint32(len(set)) {
		t.Errorf("GetNumOnes() = %d, want %d", b.GetNumOnes(), len(set))
	}
	// Adding twice must not double count.
	b.Add(set[3])
	if b.GetNumOnes() != uint32(len(set)) {
		t.Errorf("GetNumOnes() after duplicate Add = %d, want %d", b.GetNumOnes(), len(set))
	}
	for _, i := range set {
		b.Remove(i)
	}
	if b.GetNumOnes() != 0 {
		t.Errorf("bitmap not empty after removing every bit: %v", b.String())
	}
}

func TestSetClearRange(t *testing.T) {
	for _, test := range []struct {
		name       string
		size       uint32
		preset     []uint32
		begin, end uint32
		changed    uint32
	}{
		{"within one block", 64, nil, 3, 9, 6},
		{"whole block", 128, nil, 64, 128, 64},
		{"across blocks", 200, nil, 60, 130, 70},
		{"partly set", 200, []uint32{61, 62, 129}, 60, 130, 67},
		{"empty", 64, nil, 10, 10, 0},
	} {
		t.Run(test.name, func(t *testing.T) {
			b := generateFilledBitmap(test.size, test.preset)
			if got := b.SetRange(test.begin, test.end); got != test.changed {
				t.Errorf("SetRange(%d, %d) = %d, want %d", test.begin, test.end, got, test.changed)
			}
			if test.begin < test.end && !b.AllSet(test.begin, test.end) {
				t.Errorf("AllSet(%d, %d) = false after SetRange", test.begin, test.end)
			}
			if want := uint32(len(test.preset)) + test.changed; b.GetNumOnes() != want {
				t.Errorf("GetNumOnes() = %d, want %d", b.GetNumOnes(), want)
			}
			if got := b.ClearRange(test.begin, test.end); got != test.end-test.begin {
				t.Errorf("ClearRange(%d, %d) = %d, want %d", test.begin, test.end, got, test.end-test.begin)
			}
			if !b.AllClear(test.begin, test.end) {
				t.Errorf("AllClear(%d, %d) = false after ClearRange", test.begin, test.end)
			}
		})
	}
}

func TestCountLeading(t *testing.T) {
	b := New(300)
	b.SetRange(5, 140)
	b.SetRange(150, 151)
	for _, test := range []struct {
		start, end uint32
		ones       uint32
		zeros      uint32
	}{
		{0, 300, 0, 5},
		{5, 300, 135, 0},
		{64, 300, 76, 0},
		{100, 120, 20, 0},
		{140, 300, 0, 10},
		{151, 300, 0, 149},
		{299, 300, 0, 1},
	} {
		if got := b.CountLeadingOnes(test.start, test.end); got != test.ones {
			t.Errorf("CountLeadingOnes(%d, %d) = %d, want %d", test.start, test.end, got, test.ones)
		}
		if got := b.CountLeadingZeros(test.start, test.end); got != test.zeros {
			t.Errorf("CountLeadingZeros(%d, %d) = %d, want %d", test.start, test.end, got, test.zeros)
		}
	}
}

func TestCountTrailingZeros(t *testing.T) {
	b := New(300)
	b.Add(10)
	b.Add(130)
	for _, test := range []struct {
		begin, end uint32
		want       uint32
	}{
		{0, 300, 169},
		{0, 131, 0},
		{0, 130, 119},
		{20, 100, 80},
		{0, 10, 10},
		{11, 11, 0},
	} {
		if got := b.CountTrailingZeros(test.begin, test.end); got != test.want {
			t.Errorf("CountTrailingZeros(%d, %d) = %d, want %d", test.begin, test.end, got, test.want)
		}
	}
}

func TestFirstZero(t *testing.T) {
	b := New(130)
	b.SetRange(0, 70)
	if got, err := b.FirstZero(0); err != nil || got != 70 {
		t.Errorf("FirstZero(0) = (%d, %v), want (70, nil)", got, err)
	}
	if got, err := b.FirstZero(100); err != nil || got != 100 {
		t.Errorf("FirstZero(100) = (%d, %v), want (100, nil)", got, err)
	}
	b.SetRange(70, 130)
	if _, err := b.FirstZero(0); err == nil {
		t.Errorf("FirstZero succeeded on a full bitmap")
	}
	if _, err := b.FirstZero(130); err == nil {
		t.Errorf("FirstZero past the end succeeded")
	}
}

func TestString(t *testing.T) {
	b := generateFilledBitmap(6, []uint32{1, 4})
	if got, want := b.String(), "010010"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestOutOfRangePanics(t *testing.T) {
	b := New(10)
	defer func() {
		if recover() == nil {
			t.Errorf("SetRange past the end did not panic")
		}
	}()
	b.SetRange(5, 11)
}
