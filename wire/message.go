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
	"fmt"
)

// Message is a full DHCP datagram payload: the BOOTP header plus its
// parsed option table. Overload fields are resolved at decode time, so
// Options already contains everything regardless of where on the wire it
// was carried.
type Message struct {
	Header  Header
	Options Options
}

// NewMessage builds a Message with the given type and options pre-seeded,
// ready for Encode.
func NewMessage(op Op, msgType MessageType, opts Options) *Message {
	if opts == nil {
		opts = make(Options)
	}
	out := make(Options, len(opts)+1)
	for k, v := range opts {
		out[k] = v
	}
	out[OptionMessageType] = []byte{byte(msgType)}
	return &Message{
		Header:  Header{Op: op},
		Options: out,
	}
}

// Encode serializes m to a contiguous buffer: header, magic cookie, option
// TLVs, End marker, and Pad filler up to minLen (pass 0, or MinBootpLen,
// per caller's transport requirement).
func (m *Message) Encode(minLen int) []byte {
	buf := make([]byte, HeaderLen, HeaderLen+CookieLen+64)
	encodeHeader(buf, &m.Header)
	buf = append(buf, MagicCookie[:]...)
	buf = encodeOptions(buf, m.Options)
	if len(buf) < minLen {
		pad := make([]byte, minLen-len(buf))
		buf = append(buf, pad...)
	}
	return buf
}

// Decode parses buf into a Message. It validates the minimum length and
// magic cookie, decodes the option stream (resolving any file/sname
// overload), and requires option 53 (message type) to be present, per
// RFC 2131's requirement that every valid client-received message carries
// one.
func Decode(buf []byte) (*Message, error) {
	if len(buf) < MinMessageLen {
		return nil, fmt.Errorf("wire: message too short (%d bytes): %w", len(buf), ErrMalformed)
	}
	if !bytes.Equal(buf[HeaderLen:HeaderLen+CookieLen], MagicCookie[:]) {
		return nil, fmt.Errorf("wire: bad magic cookie: %w", ErrMalformed)
	}
	h := decodeHeader(buf[:HeaderLen])
	opts, err := decodeOptions(buf[MinMessageLen:], h.SName[:], h.File[:])
	if err != nil {
		return nil, err
	}
	if _, ok := opts.MessageType(); !ok {
		return nil, fmt.Errorf("wire: missing option 53 (message type): %w", ErrMalformed)
	}
	return &Message{Header: h, Options: opts}, nil
}
