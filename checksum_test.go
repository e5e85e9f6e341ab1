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

import (
	"encoding/binary"
	"testing"
)

// A header containing its own correct checksum re-sums to all ones, so its
// complemented fold is zero; that self-verification property is how
// receivers check it, so it is the property worth pinning here.
func TestIPv4ChecksumSelfVerifies(t *testing.T) {
	header := []byte{
		0x45, 0x00, 0x01, 0x48,
		0x00, 0x00, 0x00, 0x00,
		0x40, 0x11, 0x00, 0x00, // checksum zeroed
		0x00, 0x00, 0x00, 0x00,
		0xff, 0xff, 0xff, 0xff,
	}
	sum := ipv4Checksum(header)
	if sum == 0 {
		t.Fatalf("checksum of this header should be non-zero")
	}
	binary.BigEndian.PutUint16(header[10:12], sum)
	if got := checksumFold(checksumAdd(0, header)); got != 0 {
		t.Fatalf("header with its checksum inserted must fold to 0, got %#x", got)
	}
}

func TestUDPChecksumSelfVerifies(t *testing.T) {
	src := [4]byte{0, 0, 0, 0}
	dst := [4]byte{255, 255, 255, 255}
	segment := []byte{
		0x00, 0x44, 0x00, 0x43, // ports 68 -> 67
		0x00, 0x0c, 0x00, 0x00, // length 12, checksum zeroed
		0xde, 0xad, 0xbe, 0xef, // payload
	}
	sum := udpChecksum(src, dst, segment)
	if sum == 0 {
		t.Fatalf("udp checksum must never be emitted as zero")
	}
	binary.BigEndian.PutUint16(segment[6:8], sum)

	var verify uint32
	verify = checksumAdd(verify, src[:])
	verify = checksumAdd(verify, dst[:])
	verify += 17
	verify += uint32(len(segment))
	verify = checksumAdd(verify, segment)
	if got := checksumFold(verify); got != 0 {
		t.Fatalf("segment with its checksum inserted must fold to 0, got %#x", got)
	}
}

func TestUDPChecksumOddLengthPayload(t *testing.T) {
	src := [4]byte{192, 0, 2, 10}
	dst := [4]byte{192, 0, 2, 1}
	segment := []byte{
		0x00, 0x44, 0x00, 0x43,
		0x00, 0x09, 0x00, 0x00,
		0x7f, // single trailing byte exercises the pad-to-even path
	}
	sum := udpChecksum(src, dst, segment)
	binary.BigEndian.PutUint16(segment[6:8], sum)

	var verify uint32
	verify = checksumAdd(verify, src[:])
	verify = checksumAdd(verify, dst[:])
	verify += 17
	verify += uint32(len(segment))
	verify = checksumAdd(verify, segment)
	if got := checksumFold(verify); got != 0 {
		t.Fatalf("odd-length segment must still self-verify, got %#x", got)
	}
}
