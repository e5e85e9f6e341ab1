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

func TestBuildFilterProgramParameterizesXID(t *testing.T) {
	const xid = 0xcafef00d
	prog, err := buildFilterProgram(xid)
	if err != nil {
		t.Fatalf("buildFilterProgram: %v", err)
	}
	if len(prog) == 0 {
		t.Fatalf("empty filter program")
	}

	var sawXID, sawCookie bool
	for _, insn := range prog {
		switch insn.K {
		case xid:
			sawXID = true
		case magicCookieWord:
			sawCookie = true
		}
	}
	if !sawXID {
		t.Fatalf("xid immediate %#x not present in assembled program", uint32(xid))
	}
	if !sawCookie {
		t.Fatalf("magic cookie immediate %#x not present in assembled program", magicCookieWord)
	}
}

func TestBuildFilterProgramDiffersAcrossXIDs(t *testing.T) {
	a, err := buildFilterProgram(1)
	if err != nil {
		t.Fatalf("buildFilterProgram(1): %v", err)
	}
	b, err := buildFilterProgram(2)
	if err != nil {
		t.Fatalf("buildFilterProgram(2): %v", err)
	}
	if len(a) != len(b) {
		t.Fatalf("rotation must only swap the xid immediate, lengths %d vs %d", len(a), len(b))
	}
	diff := 0
	for i := range a {
		if a[i] != b[i] {
			diff++
		}
	}
	if diff != 1 {
		t.Fatalf("expected exactly one differing instruction between xid programs, got %d", diff)
	}
}
