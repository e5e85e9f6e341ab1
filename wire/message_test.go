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

package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		opts    Options
	}{
		{
			name:    "discover minimal",
			msgType: MessageTypeDiscover,
			opts: Options{
				OptionParameterList: {1, 3, 6},
			},
		},
		{
			name:    "ack with server identifier and lease time",
			msgType: MessageTypeAck,
			opts: Options{
				OptionServerIdentifier: {192, 0, 2, 1},
				OptionLeaseTime:        {0, 0, 0x0e, 0x10},
				OptionSubnetMask:       {255, 255, 255, 0},
			},
		},
		{
			name:    "split 300 byte value",
			msgType: MessageTypeOffer,
			opts: Options{
				OptionHostName: bytes.Repeat([]byte{'x'}, 300),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := NewMessage(OpBootReply, tt.msgType, tt.opts)
			msg.Header.XID = 0xdeadbeef
			encoded := msg.Encode(0)

			decoded, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if decoded.Header.XID != msg.Header.XID {
				t.Fatalf("xid mismatch: got %x want %x", decoded.Header.XID, msg.Header.XID)
			}
			if mt, ok := decoded.Options.MessageType(); !ok || mt != tt.msgType {
				t.Fatalf("message type after round trip = %v, want %v", mt, tt.msgType)
			}
			for code, want := range tt.opts {
				got, ok := decoded.Options.Get(code)
				if !ok {
					t.Fatalf("option %d missing after round trip", code)
				}
				if !bytes.Equal(got, want) {
					t.Fatalf("option %d: got %v want %v", code, got, want)
				}
			}
		})
	}
}

func TestEncodeSplitsLongOption(t *testing.T) {
	msg := NewMessage(OpBootRequest, MessageTypeDiscover, Options{
		OptionHostName: bytes.Repeat([]byte{'a'}, 300),
	})
	buf := msg.Encode(0)

	// Find the two TLVs for option 12 directly on the wire: 255 then 45.
	i := MinMessageLen
	var lengths []int
	for i < len(buf) && buf[i] != OptionEnd {
		code := buf[i]
		length := int(buf[i+1])
		if code == OptionHostName {
			lengths = append(lengths, length)
		}
		i += 2 + length
	}
	if len(lengths) != 2 || lengths[0] != 255 || lengths[1] != 45 {
		t.Fatalf("expected TLV lengths [255 45], got %v", lengths)
	}
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	_, err := Decode(make([]byte, 100))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestDecodeRejectsBadCookie(t *testing.T) {
	msg := NewMessage(OpBootReply, MessageTypeAck, nil)
	buf := msg.Encode(0)
	buf[HeaderLen] ^= 0xff
	_, err := Decode(buf)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestDecodeRejectsMissingMessageType(t *testing.T) {
	h := Header{Op: OpBootReply}
	buf := make([]byte, HeaderLen)
	encodeHeader(buf, &h)
	buf = append(buf, MagicCookie[:]...)
	buf = append(buf, OptionEnd)
	_, err := Decode(buf)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestDecodeRejectsTruncatedOption(t *testing.T) {
	h := Header{Op: OpBootReply}
	buf := make([]byte, HeaderLen)
	encodeHeader(buf, &h)
	buf = append(buf, MagicCookie[:]...)
	buf = append(buf, OptionMessageType, 5, 1) // length 5 but only 1 byte follows
	_, err := Decode(buf)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestOverloadCombinesFileAndSname(t *testing.T) {
	h := Header{Op: OpBootReply}
	// file field carries option 1 (subnet mask); sname carries option 3 (router).
	copy(h.File[:], appendOption(nil, OptionSubnetMask, []byte{255, 255, 255, 0}))
	h.File[6] = OptionEnd
	copy(h.SName[:], appendOption(nil, OptionRouter, []byte{192, 0, 2, 1}))
	h.SName[6] = OptionEnd

	buf := make([]byte, HeaderLen)
	encodeHeader(buf, &h)
	buf = append(buf, MagicCookie[:]...)
	buf = appendOption(buf, OptionOverload, []byte{OverloadFile | OverloadSname})
	buf = appendOption(buf, OptionMessageType, []byte{byte(MessageTypeAck)})
	buf = append(buf, OptionEnd)

	msg, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if v, ok := msg.Options.Get(OptionSubnetMask); !ok || !bytes.Equal(v, []byte{255, 255, 255, 0}) {
		t.Fatalf("subnet mask from overloaded file field missing or wrong: %v", v)
	}
	if v, ok := msg.Options.Get(OptionRouter); !ok || !bytes.Equal(v, []byte{192, 0, 2, 1}) {
		t.Fatalf("router from overloaded sname field missing or wrong: %v", v)
	}
}

func TestDuplicateCodesConcatenateInStreamOrder(t *testing.T) {
	h := Header{Op: OpBootReply}
	buf := make([]byte, HeaderLen)
	encodeHeader(buf, &h)
	buf = append(buf, MagicCookie[:]...)
	buf = appendOption(buf, OptionMessageType, []byte{byte(MessageTypeAck)})
	buf = appendOption(buf, OptionHostName, []byte("abc"))
	buf = appendOption(buf, OptionHostName, []byte("def"))
	buf = append(buf, OptionEnd)

	msg, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, _ := msg.Options.Get(OptionHostName)
	if string(got) != "abcdef" {
		t.Fatalf("got %q want %q", got, "abcdef")
	}
}
