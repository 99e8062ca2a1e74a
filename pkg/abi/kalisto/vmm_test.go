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

package kalisto

import (
	"testing"

	"kalisto.dev/kalisto/pkg/arch"
)

func TestFlagEncoding(t *testing.T) {
	// The flag word is shared with user space and must not change.
	for _, test := range []struct {
		flags VMFlags
		want  uint32
	}{
		{VF_VA_AUTO | VF_AT_KUSEG, 0x0},
		{VF_VA_USER | VF_AT_KUSEG, 0x1},
		{VF_VA_AUTO | VF_AT_KSEG0, 0x2},
		{VF_VA_USER | VF_AT_KSEG0, 0x3},
		{VF_VA_AUTO | VF_AT_KSEG1, 0x4},
		{VF_VA_AUTO | VF_AT_KSSEG, 0x6},
		{VF_VA_USER | VF_AT_KSEG3, 0x9},
	} {
		if uint32(test.flags) != test.want {
			t.Errorf("%v = %#x, want %#x", test.flags, uint32(test.flags), test.want)
		}
	}
}

func TestFlagsRoundTrip(t *testing.T) {
	for seg := arch.KUSEG; seg <= arch.KSEG3; seg++ {
		for _, auto := range []bool{true, false} {
			f := FlagsFor(seg, auto)
			if !f.Valid() {
				t.Errorf("FlagsFor(%v, %t) = %v is not valid", seg, auto, f)
			}
			got, ok := f.Segment()
			if !ok || got != seg || f.Auto() != auto {
				t.Errorf("FlagsFor(%v, %t) = %v decodes to (%v, %t)", seg, auto, f, got, f.Auto())
			}
		}
	}
}

func TestInvalidFlags(t *testing.T) {
	for _, f := range []VMFlags{5 << VF_AT_SHIFT, 7 << VF_AT_SHIFT, 1 << 4} {
		if f.Valid() {
			t.Errorf("%v should not be valid", f)
		}
	}
}
