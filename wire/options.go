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

import "fmt"

// Options is a parsed option table: option code to concatenated value
// bytes. DHCP splits long values across repeated TLVs of the same code;
// decoding rejoins them in stream order.
type Options map[uint8][]byte

// Get returns the raw bytes for code, and whether it was present.
func (o Options) Get(code uint8) ([]byte, bool) {
	v, ok := o[code]
	return v, ok
}

// MessageType returns the value of option 53, if present and well-formed.
func (o Options) MessageType() (MessageType, bool) {
	v, ok := o[OptionMessageType]
	if !ok || len(v) != 1 {
		return 0, false
	}
	return MessageType(v[0]), true
}

// appendOption encodes a single option as one or more TLVs, splitting the
// value into chunks of at most 255 bytes each as RFC 2131 section 4.1
// requires for any value longer than a single TLV can hold.
func appendOption(buf []byte, code uint8, value []byte) []byte {
	if len(value) == 0 {
		return append(buf, code, 0)
	}
	for len(value) > 0 {
		n := len(value)
		if n > 255 {
			n = 255
		}
		buf = append(buf, code, byte(n))
		buf = append(buf, value[:n]...)
		value = value[n:]
	}
	return buf
}

// encodeOptions serializes opts in ascending code order (for determinism;
// the wire format does not require any particular order) followed by the
// mandatory End marker. It never emits Pad mid-stream.
func encodeOptions(buf []byte, opts Options) []byte {
	codes := make([]int, 0, len(opts))
	for c := range opts {
		codes = append(codes, int(c))
	}
	// simple insertion sort: option tables are small (a handful of codes).
	for i := 1; i < len(codes); i++ {
		for j := i; j > 0 && codes[j-1] > codes[j]; j-- {
			codes[j-1], codes[j] = codes[j], codes[j-1]
		}
	}
	for _, c := range codes {
		buf = appendOption(buf, uint8(c), opts[uint8(c)])
	}
	buf = append(buf, OptionEnd)
	return buf
}

// parseOptionStream walks a TLV stream, invoking merge for each code/value
// pair it finds and stopping at End (255) or the end of buf; an option whose
// length byte or value runs past the end of buf is an ErrMalformed error.
// Pad (0) is skipped without consuming a length byte. It returns the overload value
// (option 52) if seen, and whether the stream reached an explicit End.
func parseOptionStream(buf []byte, merge func(code uint8, value []byte)) (overload uint8, hasOverload bool, sawEnd bool, err error) {
	i := 0
	for i < len(buf) {
		code := buf[i]
		if code == OptionEnd {
			sawEnd = true
			break
		}
		if code == OptionPad {
			i++
			continue
		}
		if i+1 >= len(buf) {
			return 0, false, false, fmt.Errorf("wire: truncated option %d: %w", code, ErrMalformed)
		}
		length := int(buf[i+1])
		start := i + 2
		end := start + length
		if end > len(buf) {
			return 0, false, false, fmt.Errorf("wire: option %d length %d exceeds buffer: %w", code, length, ErrMalformed)
		}
		value := buf[start:end]
		if code == OptionOverload && length == 1 {
			overload = value[0]
			hasOverload = true
		}
		merge(code, value)
		i = end
	}
	return overload, hasOverload, sawEnd, nil
}

// decodeOptions parses the options field, plus the sname/file overload
// fields when option 52 directs it, and returns the merged option table.
func decodeOptions(optionsField, sname, file []byte) (Options, error) {
	out := make(Options)
	merge := func(code uint8, value []byte) {
		if code == OptionPad || code == OptionEnd {
			return
		}
		out[code] = append(append([]byte(nil), out[code]...), value...)
	}

	overload, hasOverload, _, err := parseOptionStream(optionsField, merge)
	if err != nil {
		return nil, err
	}
	if hasOverload {
		if overload&OverloadFile != 0 {
			if _, _, _, err := parseOptionStream(file, merge); err != nil {
				return nil, err
			}
		}
		if overload&OverloadSname != 0 {
			if _, _, _, err := parseOptionStream(sname, merge); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}
