// Copyright (c) 2021-2022 The Prosopo developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package merkle builds binary BLAKE2b-256 merkle trees over ordered hash
// lists and produces and verifies inclusion proofs.
//
// Layer 0 holds the leaves in input order.  Every following layer holds the
// digest of each adjacent pair of the layer below.  When a layer has an odd
// number of nodes the last node is carried up to the next layer unchanged.
package merkle

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// HashSize is the size of all digests in this package.
const HashSize = blake2b.Size256

var (
	ErrEmptyInput    = errors.New("empty leaf set")
	ErrLeafNotFound  = errors.New("leaf not found")
	ErrInvalidHash   = errors.New("invalid hash")
	ErrInvalidLayers = errors.New("invalid tree layers")
)

// Hash is a BLAKE2b-256 digest.  Its text representation is 0x followed by
// 64 hex digits.
type Hash [HashSize]byte

// String returns the 0x prefixed hex encoding of the hash.
func (h Hash) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

// IsZero returns true if the hash is all zeroes.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText satisfies encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText satisfies encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	hash, err := NewHashFromStr(string(text))
	if err != nil {
		return err
	}
	*h = hash
	return nil
}

// NewHashFromStr decodes a hex encoded hash.  The 0x prefix is optional but
// the digest must be exactly HashSize bytes.
func NewHashFromStr(s string) (Hash, error) {
	var h Hash
	s = strings.TrimPrefix(s, "0x")
	if len(s) != HashSize*2 {
		return h, fmt.Errorf("%w: length %v", ErrInvalidHash, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	copy(h[:], b)
	return h, nil
}

// Sum returns the BLAKE2b-256 digest of b.
func Sum(b []byte) Hash {
	return Hash(blake2b.Sum256(b))
}

// node returns the parent of two adjacent nodes.
func node(left, right Hash) Hash {
	var b [HashSize * 2]byte
	copy(b[:HashSize], left[:])
	copy(b[HashSize:], right[:])
	return Sum(b[:])
}

// nextLayer folds a layer into its parent layer.
func nextLayer(layer []Hash) []Hash {
	next := make([]Hash, 0, (len(layer)+1)/2)
	for i := 0; i < len(layer); i += 2 {
		if i+1 < len(layer) {
			next = append(next, node(layer[i], layer[i+1]))
			continue
		}
		// Odd node, carry up.
		next = append(next, layer[i])
	}
	return next
}

// Tree is an immutable merkle tree.  The last layer always contains exactly
// one hash, the root.
type Tree struct {
	layers [][]Hash
}

// Build creates a tree over the provided leaves.  The order of the leaves is
// significant.
func Build(leaves []Hash) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyInput
	}

	layer := make([]Hash, len(leaves))
	copy(layer, leaves)
	layers := [][]Hash{layer}
	for len(layer) > 1 {
		layer = nextLayer(layer)
		layers = append(layers, layer)
	}

	return &Tree{layers: layers}, nil
}

// FromLayers recreates a tree from persisted layers.  Every parent is
// recomputed so that a tampered or truncated tree is rejected.
func FromLayers(layers [][]Hash) (*Tree, error) {
	if len(layers) == 0 || len(layers[0]) == 0 {
		return nil, ErrInvalidLayers
	}
	t, err := Build(layers[0])
	if err != nil {
		return nil, err
	}
	if len(t.layers) != len(layers) {
		return nil, fmt.Errorf("%w: depth got %v want %v",
			ErrInvalidLayers, len(layers), len(t.layers))
	}
	for k := range t.layers {
		if len(layers[k]) != len(t.layers[k]) {
			return nil, fmt.Errorf("%w: layer %v width", ErrInvalidLayers, k)
		}
		for i := range t.layers[k] {
			if layers[k][i] != t.layers[k][i] {
				return nil, fmt.Errorf("%w: layer %v node %v",
					ErrInvalidLayers, k, i)
			}
		}
	}
	return t, nil
}

// Root returns the merkle root.
func (t *Tree) Root() Hash {
	return t.layers[len(t.layers)-1][0]
}

// Leaves returns a copy of layer 0.
func (t *Tree) Leaves() []Hash {
	leaves := make([]Hash, len(t.layers[0]))
	copy(leaves, t.layers[0])
	return leaves
}

// Layers returns a deep copy of all layers, leaves first.
func (t *Tree) Layers() [][]Hash {
	layers := make([][]Hash, 0, len(t.layers))
	for _, l := range t.layers {
		c := make([]Hash, len(l))
		copy(c, l)
		layers = append(layers, c)
	}
	return layers
}

// Proof is an inclusion proof.  Each step below the root holds the pair of
// nodes that contains the running node, or the running node alone when it
// was carried up.  The final step holds the root.
type Proof [][]Hash

// Proof returns the inclusion proof for the first occurrence of leaf.
func (t *Tree) Proof(leaf Hash) (Proof, error) {
	idx := -1
	for i, h := range t.layers[0] {
		if h == leaf {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, ErrLeafNotFound
	}

	proof := make(Proof, 0, len(t.layers))
	for _, layer := range t.layers[:len(t.layers)-1] {
		switch {
		case idx%2 == 1:
			proof = append(proof, []Hash{layer[idx-1], layer[idx]})
		case idx+1 < len(layer):
			proof = append(proof, []Hash{layer[idx], layer[idx+1]})
		default:
			proof = append(proof, []Hash{layer[idx]})
		}
		idx /= 2
	}
	proof = append(proof, []Hash{t.Root()})

	return proof, nil
}

// Verify folds proof starting at leaf and returns true if it ends at root.
func Verify(leaf Hash, proof Proof, root Hash) bool {
	if len(proof) == 0 {
		return false
	}

	current := leaf
	for _, step := range proof[:len(proof)-1] {
		switch len(step) {
		case 1:
			if step[0] != current {
				return false
			}
		case 2:
			if step[0] != current && step[1] != current {
				return false
			}
			current = node(step[0], step[1])
		default:
			return false
		}
	}

	last := proof[len(proof)-1]
	if len(last) != 1 || last[0] != root {
		return false
	}
	return current == root
}
