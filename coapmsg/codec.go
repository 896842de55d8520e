/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package coapmsg

import (
	"fmt"
	"strings"
)

// rawOption is one option occurrence ready for the wire: a number and an
// opaque value. Multi-instance options (Uri-Path, Uri-Query, ...) appear
// as several consecutive rawOptions with the same Num. The decoder does
// not use rawOption: decodeOptionsAndPayload merges repeated occurrences
// straight into the separator-joined Message fields.
type rawOption struct {
	Num   OptionNumber
	Value []byte
}

func encodeUint(v uint32) []byte {
	if v == 0 {
		return nil
	}
	b := []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	i := 0
	for i < 3 && b[i] == 0 {
		i++
	}
	return b[i:]
}

func decodeUint(b []byte) uint32 {
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v
}

func splitOptions(num OptionNumber, s string) []rawOption {
	sep := separatorFor(num)
	if s == "" {
		return nil
	}
	var opts []rawOption
	parts := strings.Split(s, string(sep))
	for _, p := range parts {
		opts = append(opts, rawOption{Num: num, Value: []byte(p)})
	}
	return opts
}

// buildOptions flattens a Message's recognized fields into the sorted,
// wire-ready option list. The single emit function Design Notes §9 asks
// for in place of the reference's per-option macros: each option's
// encoding (int/array/block/string-split) is driven by one table walk.
func buildOptions(m *Message) ([]rawOption, error) {
	var opts []rawOption

	for _, v := range m.IfMatch {
		opts = append(opts, rawOption{Num: OptIfMatch, Value: v})
	}
	if m.Has(OptURIHost) {
		opts = append(opts, rawOption{Num: OptURIHost, Value: []byte(m.UriHost)})
	}
	if m.Has(OptETag) {
		opts = append(opts, rawOption{Num: OptETag, Value: m.ETag})
	}
	if m.IfNoneMatch {
		opts = append(opts, rawOption{Num: OptIfNoneMatch, Value: nil})
	}
	if m.Has(OptObserve) {
		opts = append(opts, rawOption{Num: OptObserve, Value: encodeUint(m.Observe)})
	}
	if m.Has(OptURIPort) {
		opts = append(opts, rawOption{Num: OptURIPort, Value: encodeUint(uint32(m.UriPort))})
	}
	opts = append(opts, splitOptions(OptLocationPath, m.LocationPath)...)
	opts = append(opts, splitOptions(OptURIPath, m.UriPath)...)
	if m.Has(OptContentFormat) {
		opts = append(opts, rawOption{Num: OptContentFormat, Value: encodeUint(uint32(m.ContentFormat))})
	}
	if m.Has(OptMaxAge) {
		opts = append(opts, rawOption{Num: OptMaxAge, Value: encodeUint(m.MaxAge)})
	}
	opts = append(opts, splitOptions(OptURIQuery, m.UriQuery)...)
	if m.Has(OptAccept) {
		opts = append(opts, rawOption{Num: OptAccept, Value: encodeUint(uint32(m.Accept))})
	}
	opts = append(opts, splitOptions(OptLocationQuery, m.LocationQuery)...)
	if m.Has(OptBlock2) {
		v, err := EncodeBlock(m.Block2)
		if err != nil {
			return nil, err
		}
		opts = append(opts, rawOption{Num: OptBlock2, Value: encodeUint(v)})
	}
	if m.Has(OptBlock1) {
		v, err := EncodeBlock(m.Block1)
		if err != nil {
			return nil, err
		}
		opts = append(opts, rawOption{Num: OptBlock1, Value: encodeUint(v)})
	}
	if m.Has(OptSize2) {
		opts = append(opts, rawOption{Num: OptSize2, Value: encodeUint(m.Size2)})
	}
	if m.Has(OptProxyURI) {
		opts = append(opts, rawOption{Num: OptProxyURI, Value: []byte(m.ProxyURI)})
	}
	if m.Has(OptProxyScheme) {
		opts = append(opts, rawOption{Num: OptProxyScheme, Value: []byte(m.ProxyScheme)})
	}
	if m.Has(OptSize1) {
		opts = append(opts, rawOption{Num: OptSize1, Value: encodeUint(m.Size1)})
	}

	// Options must already be in ascending number order by construction
	// above (the table is written in ascending option-number order); a
	// stable sort guards against an entry being added out of place.
	stableSortOptions(opts)
	return opts, nil
}

func stableSortOptions(opts []rawOption) {
	for i := 1; i < len(opts); i++ {
		for j := i; j > 0 && opts[j-1].Num > opts[j].Num; j-- {
			opts[j-1], opts[j] = opts[j], opts[j-1]
		}
	}
}

func encodeOptionHeader(dst *[]byte, delta, length int) {
	var extDelta, extLen []byte
	nDelta, nLen := delta, length
	if delta >= 269 {
		nDelta = 14
		extDelta = []byte{byte((delta - 269) >> 8), byte(delta - 269)}
	} else if delta >= 13 {
		nDelta = 13
		extDelta = []byte{byte(delta - 13)}
	}
	if length >= 269 {
		nLen = 14
		extLen = []byte{byte((length - 269) >> 8), byte(length - 269)}
	} else if length >= 13 {
		nLen = 13
		extLen = []byte{byte(length - 13)}
	}
	*dst = append(*dst, byte(nDelta<<4|nLen))
	*dst = append(*dst, extDelta...)
	*dst = append(*dst, extLen...)
}

func encodeOptions(opts []rawOption) []byte {
	var b []byte
	prev := OptionNumber(0)
	for _, o := range opts {
		delta := int(o.Num) - int(prev)
		encodeOptionHeader(&b, delta, len(o.Value))
		b = append(b, o.Value...)
		prev = o.Num
	}
	return b
}

// Encode serializes m to a fresh []byte: header, token, options, and (if
// present) the 0xFF payload marker followed by the payload.
func Encode(m *Message) ([]byte, error) {
	if len(m.Token) > MaxTokenLen {
		return nil, fmt.Errorf("coapmsg: token length %d exceeds %d", len(m.Token), MaxTokenLen)
	}
	opts, err := buildOptions(m)
	if err != nil {
		return nil, err
	}
	b := make([]byte, 0, headerSize+len(m.Token)+32+len(m.Payload))
	b = append(b, byte(Version<<6|uint8(m.Type)<<4|uint8(len(m.Token))))
	b = append(b, byte(m.Code))
	b = append(b, byte(m.MessageID>>8), byte(m.MessageID))
	b = append(b, m.Token...)
	b = append(b, encodeOptions(opts)...)
	if len(m.Payload) > 0 {
		b = append(b, 0xFF)
		b = append(b, m.Payload...)
	}
	return b, nil
}

// ErrBadVersion, ErrBadOption mirror the decoder contract of §4.4.
var (
	ErrBadVersion = fmt.Errorf("coapmsg: unsupported version")
	ErrBadOption  = fmt.Errorf("coapmsg: unrecognized critical option")
	ErrTruncated  = fmt.Errorf("coapmsg: truncated message")
)

// Decode parses b into a Message. On an unsupported version it returns
// ErrBadVersion (caller replies BAD_REQUEST_4_00); on an unrecognized
// odd (critical) option number it returns ErrBadOption (caller replies
// BAD_OPTION_4_02); unrecognized even option numbers are skipped.
func Decode(b []byte) (*Message, error) {
	if len(b) < headerSize {
		return nil, ErrTruncated
	}
	ver := b[0] >> 6
	if uint8(ver) != Version {
		return nil, ErrBadVersion
	}
	m := &Message{
		Type:      Type((b[0] >> 4) & 0x3),
		MessageID: uint16(b[2])<<8 | uint16(b[3]),
		Code:      Code(b[1]),
	}
	tkl := int(b[0] & 0xF)
	if tkl > MaxTokenLen {
		return nil, ErrTruncated
	}
	pos := headerSize
	if pos+tkl > len(b) {
		return nil, ErrTruncated
	}
	m.Token = append([]byte(nil), b[pos:pos+tkl]...)
	pos += tkl

	if err := decodeOptionsAndPayload(m, b[pos:]); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeOptionsAndPayload(m *Message, b []byte) error {
	prev := OptionNumber(0)
	locPath, locQuery, uriPath, uriQuery := "", "", "", ""
	hasLocPath, hasLocQuery, hasURIPath, hasURIQuery := false, false, false, false

	pos := 0
	for pos < len(b) {
		if b[pos] == 0xFF {
			pos++
			m.Payload = append([]byte(nil), b[pos:]...)
			pos = len(b)
			break
		}
		deltaNibble := int(b[pos] >> 4)
		lengthNibble := int(b[pos] & 0xF)
		pos++

		delta, ok := readExt(deltaNibble, b, &pos)
		if !ok {
			return ErrTruncated
		}
		length, ok := readExt(lengthNibble, b, &pos)
		if !ok {
			return ErrTruncated
		}
		if pos+length > len(b) {
			return ErrTruncated
		}
		val := b[pos : pos+length]
		pos += length

		num := prev + OptionNumber(delta)
		prev = num

		if recognizedBit(num) < 0 && !isRepeatable(num) {
			if isUnknownCritical(num) {
				return ErrBadOption
			}
			continue
		}

		switch num {
		case OptIfMatch:
			m.IfMatch = append(m.IfMatch, append([]byte(nil), val...))
		case OptURIHost:
			m.UriHost = string(val)
			m.set(num)
		case OptETag:
			m.ETag = append([]byte(nil), val...)
			m.set(num)
		case OptIfNoneMatch:
			m.IfNoneMatch = true
		case OptObserve:
			m.Observe = decodeUint(val)
			m.set(num)
		case OptURIPort:
			m.UriPort = uint16(decodeUint(val))
			m.set(num)
		case OptLocationPath:
			appendJoined(&locPath, '/', string(val))
			hasLocPath = true
		case OptURIPath:
			appendJoined(&uriPath, '/', string(val))
			hasURIPath = true
		case OptContentFormat:
			m.ContentFormat = uint16(decodeUint(val))
			m.set(num)
		case OptMaxAge:
			m.MaxAge = decodeUint(val)
			m.set(num)
		case OptURIQuery:
			appendJoined(&uriQuery, '&', string(val))
			hasURIQuery = true
		case OptAccept:
			m.Accept = uint16(decodeUint(val))
			m.set(num)
		case OptLocationQuery:
			appendJoined(&locQuery, '&', string(val))
			hasLocQuery = true
		case OptBlock2:
			m.Block2 = DecodeBlock(decodeUint(val))
			m.set(num)
		case OptBlock1:
			m.Block1 = DecodeBlock(decodeUint(val))
			m.set(num)
		case OptSize2:
			m.Size2 = decodeUint(val)
			m.set(num)
		case OptProxyURI:
			m.ProxyURI = string(val)
			m.set(num)
		case OptProxyScheme:
			m.ProxyScheme = string(val)
			m.set(num)
		case OptSize1:
			m.Size1 = decodeUint(val)
			m.set(num)
		}
	}

	if hasLocPath {
		m.LocationPath = locPath
		m.set(OptLocationPath)
	}
	if hasURIPath {
		m.UriPath = uriPath
		m.set(OptURIPath)
	}
	if hasLocQuery {
		m.LocationQuery = locQuery
		m.set(OptLocationQuery)
	}
	if hasURIQuery {
		m.UriQuery = uriQuery
		m.set(OptURIQuery)
	}
	return nil
}

func appendJoined(dst *string, sep byte, part string) {
	if *dst == "" {
		*dst = part
		return
	}
	*dst = *dst + string(sep) + part
}

// readExt resolves a 4-bit nibble (delta or length) to its actual
// integer value, consuming 0, 1 or 2 extended bytes from b starting at
// *pos as needed, per §4.4's 13/14 extension rule.
func readExt(nibble int, b []byte, pos *int) (int, bool) {
	switch {
	case nibble <= 12:
		return nibble, true
	case nibble == 13:
		if *pos >= len(b) {
			return 0, false
		}
		v := int(b[*pos]) + 13
		*pos++
		return v, true
	case nibble == 14:
		if *pos+1 >= len(b) {
			return 0, false
		}
		v := int(b[*pos])<<8 | int(b[*pos+1])
		v += 269
		*pos += 2
		return v, true
	default: // 15 is reserved for the payload marker and never reaches here
		return 0, false
	}
}
