// Copyright (c) 2021-2022 The Prosopo developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package captcha

import (
	"encoding/binary"

	"github.com/prosopo/provider/merkle"
)

// CompareSolutionSet returns true if every received solution matches the
// stored captcha with the same id.  The sets must be the same size and
// there is no partial credit.
func CompareSolutionSet(received []CaptchaSolution, stored []Captcha) bool {
	if len(received) != len(stored) {
		return false
	}

	byID := make(map[merkle.Hash]*Captcha, len(stored))
	for k := range stored {
		byID[stored[k].CaptchaID] = &stored[k]
	}
	if len(byID) != len(stored) {
		return false
	}

	for k := range received {
		s, ok := byID[received[k].CaptchaID]
		if !ok {
			return false
		}
		if !CompareSingle(&received[k], s) {
			return false
		}
	}
	return true
}

// CompareSingle returns true if received answers stored.  A captcha without
// a canonical solution can not be failed.  Otherwise the ids must match and
// the selected item indices must be equal as sets.
func CompareSingle(received *CaptchaSolution, stored *Captcha) bool {
	if !stored.Solved() {
		return true
	}
	if received.CaptchaID != stored.CaptchaID {
		return false
	}
	return setEqual(received.Solution, stored.Solution)
}

func setEqual(a, b []uint) bool {
	sa := make(map[uint]struct{}, len(a))
	for _, v := range a {
		sa[v] = struct{}{}
	}
	sb := make(map[uint]struct{}, len(b))
	for _, v := range b {
		if _, ok := sa[v]; !ok {
			return false
		}
		sb[v] = struct{}{}
	}
	return len(sa) == len(sb)
}

// SolutionKey returns a comparable key for an exact solution sequence.
func SolutionKey(solution []uint) string {
	b := make([]byte, 8*len(solution))
	for k, v := range solution {
		binary.BigEndian.PutUint64(b[k*8:], uint64(v))
	}
	return string(b)
}
