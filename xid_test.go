/*
Copyright 2024 Google LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    https://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package dhcp4c

import "testing"

func TestNewXIDDistinctAcrossCalls(t *testing.T) {
	seen := make(map[uint32]bool)
	for i := 0; i < 1000; i++ {
		x := newXID()
		if seen[x] {
			t.Fatalf("xid %d repeated within 1000 draws", x)
		}
		seen[x] = true
	}
}

func TestJitterStaysWithinOneSecondAndNonNegative(t *testing.T) {
	for i := 0; i < 1000; i++ {
		v := jitter(4)
		if v < 0 {
			t.Fatalf("jitter(4) = %v, must never go negative", v)
		}
		if v < 3 || v > 5 {
			t.Fatalf("jitter(4) = %v, want within [3,5]", v)
		}
	}
}

func TestJitterClampsNearZeroBase(t *testing.T) {
	for i := 0; i < 1000; i++ {
		if v := jitter(0.5); v < 0 {
			t.Fatalf("jitter(0.5) = %v, must clamp at zero", v)
		}
	}
}
