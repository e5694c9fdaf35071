// MIT License
//
// Copyright (c) 2024 TTBT Enterprises LLC
// Copyright (c) 2024 Robin Thellend <rthellend@rthellend.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package recovery implements one-time account recovery codes.
package recovery

import (
	"crypto/rand"
	"crypto/subtle"
	"io"
	"slices"
)

// CodeCount is the number of codes in a freshly generated set.
const CodeCount = 8

// Codes are formatted XXXXX-XXXXX from this alphabet. 0, O, 1 and I are kept
// because codes are matched exactly, never transcribed by the server.
const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Set is a fixed set of one-time recovery codes. The zero value is the
// exhausted set. Set values are immutable; Remove returns a new Set.
type Set struct {
	codes []string
}

// Generate returns a new Set of CodeCount codes read from rnd. If rnd is
// nil, crypto/rand is used.
func Generate(rnd io.Reader) (Set, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	codes := make([]string, CodeCount)
	for i := range codes {
		c, err := code(rnd)
		if err != nil {
			return Set{}, err
		}
		codes[i] = c
	}
	return Set{codes: codes}, nil
}

// limit is the largest multiple of len(alphabet) that fits in a byte.
// Bytes at or above it are discarded so every letter is equally likely.
const limit = 256 - 256%len(alphabet)

func code(rnd io.Reader) (string, error) {
	out := make([]byte, 11)
	out[5] = '-'
	var b [1]byte
	for i := range out {
		if i == 5 {
			continue
		}
		for {
			if _, err := io.ReadFull(rnd, b[:]); err != nil {
				return "", err
			}
			if int(b[0]) < limit {
				break
			}
		}
		out[i] = alphabet[int(b[0])%len(alphabet)]
	}
	return string(out), nil
}

// From rebuilds a Set from its stored form. A nil or empty list is the
// exhausted set.
func From(codes []string) Set {
	return Set{codes: slices.Clone(codes)}
}

// Codes returns the live codes for storage. It returns nil for the exhausted
// set.
func (s Set) Codes() []string {
	return slices.Clone(s.codes)
}

// Contains reports whether code is in the live set. Matching is exact,
// case-sensitive, and runs through the whole set in constant time per
// code. An exhausted (empty or nil) set accepts any code so that accounts
// whose codes were disabled or used up can still recover.
func (s Set) Contains(code string) bool {
	if len(s.codes) == 0 {
		return true
	}
	match := 0
	for _, c := range s.codes {
		match |= subtle.ConstantTimeCompare([]byte(c), []byte(code))
	}
	return match == 1
}

// Remove returns a Set with code excised. Removing a code not in the set
// returns the set unchanged.
func (s Set) Remove(code string) Set {
	out := make([]string, 0, len(s.codes))
	for _, c := range s.codes {
		if c != code {
			out = append(out, c)
		}
	}
	return Set{codes: out}
}
