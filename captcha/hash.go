// Copyright (c) 2021-2022 The Prosopo developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package captcha

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"github.com/prosopo/provider/merkle"
)

// captchaContent is the part of a captcha that determines its id.
type captchaContent struct {
	Items  []Item `json:"items"`
	Salt   string `json:"salt"`
	Target string `json:"target"`
}

// solutionContent is the part of a solution that determines its leaf in a
// response tree.
type solutionContent struct {
	CaptchaID merkle.Hash `json:"captchaId"`
	Salt      string      `json:"salt"`
	Solution  []uint      `json:"solution"`
}

// canonicalHash hashes the RFC 8785 canonical JSON encoding of v.
func canonicalHash(v interface{}) (merkle.Hash, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return merkle.Hash{}, err
	}
	c, err := jcs.Transform(b)
	if err != nil {
		return merkle.Hash{}, fmt.Errorf("canonicalize: %v", err)
	}
	return merkle.Sum(c), nil
}

// HashCaptcha returns the content id of a captcha.  The solution, id, index
// and dataset of the captcha are not part of the hash.
func HashCaptcha(c *Captcha) (merkle.Hash, error) {
	items := c.Items
	if items == nil {
		items = []Item{}
	}
	return canonicalHash(captchaContent{
		Items:  items,
		Salt:   c.Salt,
		Target: c.Target,
	})
}

// HashSolution returns the response tree leaf for a submitted solution.
func HashSolution(s *CaptchaSolution) (merkle.Hash, error) {
	solution := s.Solution
	if solution == nil {
		solution = []uint{}
	}
	return canonicalHash(solutionContent{
		CaptchaID: s.CaptchaID,
		Salt:      s.Salt,
		Solution:  solution,
	})
}

// HashPendingRequest binds an ordered set of captcha ids to the requesting
// account and a salt.  The encoding is length prefixed big endian so that
// no two distinct inputs share a pre-image.
func HashPendingRequest(captchaIDs []merkle.Hash, account, salt string) merkle.Hash {
	b := make([]byte, 0, 4+len(captchaIDs)*merkle.HashSize+8+
		len(account)+len(salt))
	var l [4]byte

	binary.BigEndian.PutUint32(l[:], uint32(len(captchaIDs)))
	b = append(b, l[:]...)
	for _, id := range captchaIDs {
		b = append(b, id[:]...)
	}

	binary.BigEndian.PutUint32(l[:], uint32(len(account)))
	b = append(b, l[:]...)
	b = append(b, account...)

	binary.BigEndian.PutUint32(l[:], uint32(len(salt)))
	b = append(b, l[:]...)
	b = append(b, salt...)

	return merkle.Sum(b)
}
