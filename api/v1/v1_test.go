// Copyright (c) 2021-2022 The Prosopo developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package v1

import (
	"testing"
)

var hashTests = []struct {
	in       string
	expected bool
}{
	{"0x360f84035942243c6a36537ae2f8673485e6c04455a0a85a0db19690f2541480", true},
	{"0x27042F4E6ECA7D0B2A7EE4026DF2ECFA51D3339E6D122AA099118ECD8563BAD9", true},
	// Missing prefix
	{"360f84035942243c6a36537ae2f8673485e6c04455a0a85a0db19690f2541480", false},
	{"0X360f84035942243c6a36537ae2f8673485e6c04455a0a85a0db19690f2541480", false},
	// Spaces
	{" 0x360f84035942243c6a36537ae2f8673485e6c04455a0a85a0db19690f2541480", false},
	{"0x27042f4e6eca7d0b2a7ee4026df2ecfa51d3339e6d122aa099118ecd8563bad9 ", false},
	// Too short
	{"0x0b3e798e388f85158a9eb6c5053b81e76aa77e7a780d21cebb8e127517227dc", false},
	// Too long
	{"0xb0b3e798e388f85158a9eb6c5053b81e76aa77e7a780d21cebb8e127517227dcaaa", false},
	// Invalid char
	{"0xb0b3e798e388f85158a9eb6c5053b81e76aa77e7a780d21cebb8e127517227dZ", false},
	{"0xZb0b3e798e388f85158a9eb6c5053b81e76aa77e7a780d21cebb8e127517227d", false},
}

func TestHashRegex(t *testing.T) {
	for _, v := range hashTests {
		t.Logf("testing %v %v", v.in, v.expected)
		if RegexpHash.MatchString(v.in) != v.expected {
			t.Errorf("testing %v %v got %v %v",
				v.in, v.expected, v.in, !v.expected)
		}
	}
}

func TestResultMessages(t *testing.T) {
	for _, code := range []int{ResultOK, ResultRejected} {
		if Result[code] == "" {
			t.Errorf("no message for result %v", code)
		}
	}
}
