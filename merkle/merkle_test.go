// Copyright (c) 2021-2022 The Prosopo developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package merkle

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"golang.org/x/crypto/blake2b"
)

// concat concatenates two byte slices.
func concat(l, r []byte) []byte {
	b := make([]byte, len(l)+len(r))
	copy(b, l)
	copy(b[len(l):], r)
	return b
}

// makeHashes returns count distinct leaves.
func makeHashes(count int) []Hash {
	hashes := make([]Hash, 0, count)
	for i := 0; i < count; i++ {
		var h Hash
		binary.LittleEndian.PutUint64(h[:], uint64(i)+1)
		hashes = append(hashes, h)
	}
	return hashes
}

func TestMerkle(t *testing.T) {
	// Hand roll a three leaf tree to pin the odd node policy.
	a := Hash(blake2b.Sum256([]byte("a")))
	b := Hash(blake2b.Sum256([]byte("b")))
	c := Hash(blake2b.Sum256([]byte("c")))

	ab := Hash(blake2b.Sum256(concat(a[:], b[:])))
	// c is carried up unchanged.
	root := Hash(blake2b.Sum256(concat(ab[:], c[:])))

	mt, err := Build([]Hash{a, b, c})
	if err != nil {
		t.Fatal(err)
	}
	if mt.Root() != root {
		t.Fatalf("invalid root got %v want %v", mt.Root(), root)
	}

	layers := mt.Layers()
	if len(layers) != 3 {
		t.Fatalf("invalid depth got %v want 3", len(layers))
	}
	if len(layers[1]) != 2 || layers[1][0] != ab || layers[1][1] != c {
		t.Fatalf("invalid layer 1: %v", spew.Sdump(layers[1]))
	}

	// Order matters.
	mt2, err := Build([]Hash{b, a, c})
	if err != nil {
		t.Fatal(err)
	}
	if mt2.Root() == root {
		t.Fatalf("root must depend on leaf order")
	}
}

func TestMerkleDeterministic(t *testing.T) {
	for count := 1; count < 64; count++ {
		hashes := makeHashes(count)
		mt1, err := Build(hashes)
		if err != nil {
			t.Fatal(err)
		}
		mt2, err := Build(hashes)
		if err != nil {
			t.Fatal(err)
		}
		if mt1.Root() != mt2.Root() {
			t.Fatalf("%v: root not deterministic %v %v", count,
				mt1.Root(), mt2.Root())
		}
	}
}

func TestSingleLeaf(t *testing.T) {
	leaf := makeHashes(1)[0]
	mt, err := Build([]Hash{leaf})
	if err != nil {
		t.Fatal(err)
	}
	if mt.Root() != leaf {
		t.Fatalf("single leaf root got %v want %v", mt.Root(), leaf)
	}
	proof, err := mt.Proof(leaf)
	if err != nil {
		t.Fatal(err)
	}
	if len(proof) != 1 {
		t.Fatalf("expected root only proof, got %v", spew.Sdump(proof))
	}
	if !Verify(leaf, proof, mt.Root()) {
		t.Fatalf("single leaf proof did not verify")
	}
}

func TestProof(t *testing.T) {
	// Create trees of many widths and prove every leaf in them.
	for count := 1; count < 130; count++ {
		hashes := makeHashes(count)
		mt, err := Build(hashes)
		if err != nil {
			t.Fatal(err)
		}

		for _, h := range hashes {
			proof, err := mt.Proof(h)
			if err != nil {
				t.Fatal(err)
			}
			if !Verify(h, proof, mt.Root()) {
				t.Fatalf("%v: proof for %v did not verify: %v",
					count, h, spew.Sdump(proof))
			}
		}
	}
}

func TestProofInvalid(t *testing.T) {
	hashes := makeHashes(7)
	mt, err := Build(hashes)
	if err != nil {
		t.Fatal(err)
	}

	var missing Hash
	missing[31] = 0xff
	_, err = mt.Proof(missing)
	if !errors.Is(err, ErrLeafNotFound) {
		t.Fatalf("expected ErrLeafNotFound got %v", err)
	}

	proof, err := mt.Proof(hashes[2])
	if err != nil {
		t.Fatal(err)
	}

	// Wrong leaf.
	if Verify(hashes[3], proof, mt.Root()) {
		t.Fatalf("proof verified for the wrong leaf")
	}

	// Wrong root.
	if Verify(hashes[2], proof, hashes[0]) {
		t.Fatalf("proof verified against the wrong root")
	}

	// Tampered sibling.
	bad := make(Proof, 0, len(proof))
	for _, step := range proof {
		s := make([]Hash, len(step))
		copy(s, step)
		bad = append(bad, s)
	}
	bad[1][0][0] ^= 0x01
	if Verify(hashes[2], bad, mt.Root()) {
		t.Fatalf("tampered proof verified")
	}

	// Truncated.
	if Verify(hashes[2], proof[:len(proof)-1], mt.Root()) {
		t.Fatalf("truncated proof verified")
	}
	if Verify(hashes[2], nil, mt.Root()) {
		t.Fatalf("empty proof verified")
	}
}

func TestEmpty(t *testing.T) {
	mt, err := Build(nil)
	if !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput got %v", err)
	}
	if mt != nil {
		t.Fatalf("Should have gotten nil")
	}
}

func TestFromLayers(t *testing.T) {
	mt, err := Build(makeHashes(11))
	if err != nil {
		t.Fatal(err)
	}

	// Round trip through JSON the way a backend persists the tree.
	blob, err := json.Marshal(mt.Layers())
	if err != nil {
		t.Fatal(err)
	}
	var layers [][]Hash
	err = json.Unmarshal(blob, &layers)
	if err != nil {
		t.Fatal(err)
	}

	mt2, err := FromLayers(layers)
	if err != nil {
		t.Fatal(err)
	}
	if mt2.Root() != mt.Root() {
		t.Fatalf("reloaded root got %v want %v", mt2.Root(), mt.Root())
	}

	// Tamper with an interior node.
	layers[1][0][0] ^= 0x01
	_, err = FromLayers(layers)
	if !errors.Is(err, ErrInvalidLayers) {
		t.Fatalf("expected ErrInvalidLayers got %v", err)
	}

	_, err = FromLayers(nil)
	if !errors.Is(err, ErrInvalidLayers) {
		t.Fatalf("expected ErrInvalidLayers got %v", err)
	}
}

var hashTests = []struct {
	in       string
	expected bool
}{
	{"0x360f84035942243c6a36537ae2f8673485e6c04455a0a85a0db19690f2541480", true},
	{"27042f4e6eca7d0b2a7ee4026df2ecfa51d3339e6d122aa099118ecd8563bad9", true},
	// Too short
	{"0x0b3e798e388f85158a9eb6c5053b81e76aa77e7a780d21cebb8e127517227dc", false},
	// Too long
	{"0xb0b3e798e388f85158a9eb6c5053b81e76aa77e7a780d21cebb8e127517227dcaa", false},
	// Invalid char
	{"0xb0b3e798e388f85158a9eb6c5053b81e76aa77e7a780d21cebb8e127517227dZ", false},
	{"", false},
}

func TestNewHashFromStr(t *testing.T) {
	for _, v := range hashTests {
		h, err := NewHashFromStr(v.in)
		if (err == nil) != v.expected {
			t.Errorf("testing %q expected %v got %v", v.in, v.expected, err)
			continue
		}
		if err != nil {
			if !errors.Is(err, ErrInvalidHash) {
				t.Errorf("testing %q: expected ErrInvalidHash got %v",
					v.in, err)
			}
			continue
		}
		h2, err := NewHashFromStr(h.String())
		if err != nil || h2 != h {
			t.Errorf("testing %q: string round trip failed", v.in)
		}
	}
}
