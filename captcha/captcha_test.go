// Copyright (c) 2021-2022 The Prosopo developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package captcha

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/prosopo/provider/merkle"
)

const testDataset = `{
	"format": "SelectAll",
	"captchas": [
		{
			"solution": [],
			"salt": "0x01",
			"target": "bus",
			"items": [
				{"type": "text", "text": "blah"},
				{"type": "text", "text": "blah"},
				{"type": "image", "path": "https://example.com/bus.png"}
			]
		},
		{
			"salt": "0x02",
			"target": "train",
			"solution": [0, 2],
			"items": [
				{"type": "text", "text": "blah"},
				{"type": "text", "text": "blah"},
				{"type": "text", "text": "blah"}
			]
		},
		{
			"salt": "0x03",
			"target": "car",
			"items": [
				{"type": "text", "text": "vroom"}
			]
		}
	]
}`

func ingestTestDataset(t *testing.T) *Dataset {
	t.Helper()
	ds, err := ParseDataset(strings.NewReader(testDataset))
	if err != nil {
		t.Fatal(err)
	}
	ids, err := Ingest(ds)
	if err != nil {
		t.Fatal(err)
	}
	return ids
}

func TestIngest(t *testing.T) {
	ds := ingestTestDataset(t)
	if len(ds.Captchas) != 3 {
		t.Fatalf("invalid captcha count %v", len(ds.Captchas))
	}

	leaves := make([]merkle.Hash, 0, len(ds.Captchas))
	for k, c := range ds.Captchas {
		if c.Index != uint(k) {
			t.Fatalf("captcha %v: invalid index %v", k, c.Index)
		}
		if c.DatasetID != ds.DatasetID {
			t.Fatalf("captcha %v: invalid dataset id %v", k, c.DatasetID)
		}
		id, err := HashCaptcha(&c)
		if err != nil {
			t.Fatal(err)
		}
		if id != c.CaptchaID {
			t.Fatalf("captcha %v: id got %v want %v", k, c.CaptchaID, id)
		}
		leaves = append(leaves, id)
	}

	tree, err := merkle.Build(leaves)
	if err != nil {
		t.Fatal(err)
	}
	if tree.Root() != ds.DatasetID {
		t.Fatalf("dataset id got %v want %v", ds.DatasetID, tree.Root())
	}
	if _, err := merkle.FromLayers(ds.Tree); err != nil {
		t.Fatalf("stored tree does not reload: %v", err)
	}
	if err := Unique(ds); err != nil {
		t.Fatal(err)
	}
}

func TestIngestDoesNotModifyInput(t *testing.T) {
	ds, err := ParseDataset(strings.NewReader(testDataset))
	if err != nil {
		t.Fatal(err)
	}
	before := spew.Sdump(*ds)
	if _, err := Ingest(ds); err != nil {
		t.Fatal(err)
	}
	if after := spew.Sdump(*ds); after != before {
		t.Fatalf("input modified:\n%v\n%v", before, after)
	}
}

func TestIngestIdempotent(t *testing.T) {
	ds := ingestTestDataset(t)

	// Strip solutions and re-ingest the result.
	stripped := *ds
	stripped.Captchas = make([]Captcha, 0, len(ds.Captchas))
	for _, c := range ds.Captchas {
		stripped.Captchas = append(stripped.Captchas, c.Stripped())
	}
	again, err := Ingest(&stripped)
	if err != nil {
		t.Fatal(err)
	}
	if again.DatasetID != ds.DatasetID {
		t.Fatalf("dataset id changed %v != %v", again.DatasetID,
			ds.DatasetID)
	}
}

func TestSolutionDoesNotChangeIDs(t *testing.T) {
	ds := ingestTestDataset(t)

	changed := *ds
	changed.Captchas = append([]Captcha(nil), ds.Captchas...)
	changed.Captchas[0].Solution = []uint{1}
	changed.Captchas[1].Solution = nil
	again, err := Ingest(&changed)
	if err != nil {
		t.Fatal(err)
	}
	if again.DatasetID != ds.DatasetID {
		t.Fatalf("dataset id changed %v != %v", again.DatasetID,
			ds.DatasetID)
	}
	for k := range again.Captchas {
		if again.Captchas[k].CaptchaID != ds.Captchas[k].CaptchaID {
			t.Fatalf("captcha %v id changed", k)
		}
	}

	// Reordering does change the dataset id.
	changed.Captchas[0], changed.Captchas[1] = changed.Captchas[1],
		changed.Captchas[0]
	again, err = Ingest(&changed)
	if err != nil {
		t.Fatal(err)
	}
	if again.DatasetID == ds.DatasetID {
		t.Fatalf("dataset id must depend on captcha order")
	}
}

func TestDatasetFileRoundTrip(t *testing.T) {
	ds := ingestTestDataset(t)

	var b bytes.Buffer
	if err := json.NewEncoder(&b).Encode(ds); err != nil {
		t.Fatal(err)
	}
	reloaded, err := ParseDataset(&b)
	if err != nil {
		t.Fatal(err)
	}
	again, err := Ingest(reloaded)
	if err != nil {
		t.Fatal(err)
	}
	if again.DatasetID != ds.DatasetID {
		t.Fatalf("round trip dataset id %v != %v", again.DatasetID,
			ds.DatasetID)
	}
	if spew.Sdump(*again) != spew.Sdump(*ds) {
		t.Fatalf("round trip mismatch:\n%v\n%v", spew.Sdump(*again),
			spew.Sdump(*ds))
	}
}

var parseTests = []struct {
	name    string
	in      string
	captcha int
}{
	{"garbage", `{`, -1},
	{"format", `{"captchas":[{"target":"a","salt":"","items":[{"type":"text","text":"x"}]}]}`, -1},
	{"unknown format", `{"format":"Drag","captchas":[{"target":"a","salt":"","items":[{"type":"text","text":"x"}]}]}`, -1},
	{"no captchas", `{"format":"SelectAll","captchas":[]}`, -1},
	{"target", `{"format":"SelectAll","captchas":[{"salt":"","items":[{"type":"text","text":"x"}]}]}`, 0},
	{"items", `{"format":"SelectAll","captchas":[{"target":"a","salt":"","items":[]}]}`, 0},
	{"item type", `{"format":"SelectAll","captchas":[{"target":"a","salt":"","items":[{"type":"video","path":"x"}]}]}`, 0},
	{"image path", `{"format":"SelectAll","captchas":[{"target":"a","salt":"","items":[{"type":"text","text":"x"}]},{"target":"a","salt":"","items":[{"type":"image"}]}]}`, 1},
	{"solution range", `{"format":"SelectAll","captchas":[{"target":"a","salt":"","solution":[1],"items":[{"type":"text","text":"x"}]}]}`, 0},
	{"bad id", `{"format":"SelectAll","datasetId":"0x12","captchas":[{"target":"a","salt":"","items":[{"type":"text","text":"x"}]}]}`, -1},
}

func TestParseDatasetInvalid(t *testing.T) {
	for _, test := range parseTests {
		_, err := ParseDataset(strings.NewReader(test.in))
		var pe *ParseError
		if !errors.As(err, &pe) {
			t.Fatalf("%v: expected ParseError got %v", test.name, err)
		}
		if pe.Captcha != test.captcha {
			t.Fatalf("%v: captcha got %v want %v (%v)", test.name,
				pe.Captcha, test.captcha, err)
		}
	}

	// Hash errors surface through the parse error.
	_, err := ParseDataset(strings.NewReader(parseTests[len(parseTests)-1].in))
	if !errors.Is(err, merkle.ErrInvalidHash) {
		t.Fatalf("expected ErrInvalidHash got %v", err)
	}
}

func TestUnique(t *testing.T) {
	ds := ingestTestDataset(t)
	ds.Captchas = append(ds.Captchas, ds.Captchas[1])
	if err := Unique(ds); !errors.Is(err, ErrDuplicateCaptcha) {
		t.Fatalf("expected ErrDuplicateCaptcha got %v", err)
	}
}

func TestStripped(t *testing.T) {
	ds := ingestTestDataset(t)
	c := ds.Captchas[1].Stripped()
	if c.Solved() {
		t.Fatalf("stripped captcha still solved")
	}
	if !ds.Captchas[1].Solved() {
		t.Fatalf("original captcha modified")
	}
	b, err := json.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(b, []byte("solution")) {
		t.Fatalf("solution leaked: %s", b)
	}
}

func TestHashSolution(t *testing.T) {
	id := merkle.Sum([]byte("captcha"))
	s1 := CaptchaSolution{CaptchaID: id, Solution: []uint{1, 2}, Salt: "a"}
	h1, err := HashSolution(&s1)
	if err != nil {
		t.Fatal(err)
	}

	variants := []CaptchaSolution{
		{CaptchaID: id, Solution: []uint{2, 1}, Salt: "a"},
		{CaptchaID: id, Solution: []uint{1, 2}, Salt: "b"},
		{CaptchaID: merkle.Sum(nil), Solution: []uint{1, 2}, Salt: "a"},
	}
	for k := range variants {
		h, err := HashSolution(&variants[k])
		if err != nil {
			t.Fatal(err)
		}
		if h == h1 {
			t.Fatalf("variant %v collides", k)
		}
	}

	// Nil and empty solutions hash alike.
	e1, _ := HashSolution(&CaptchaSolution{CaptchaID: id})
	e2, _ := HashSolution(&CaptchaSolution{CaptchaID: id, Solution: []uint{}})
	if e1 != e2 {
		t.Fatalf("nil and empty solution differ")
	}
}

func TestHashPendingRequest(t *testing.T) {
	a := merkle.Sum([]byte("a"))
	b := merkle.Sum([]byte("b"))

	h := HashPendingRequest([]merkle.Hash{a, b}, "alice", "salt")
	if h != HashPendingRequest([]merkle.Hash{a, b}, "alice", "salt") {
		t.Fatalf("not deterministic")
	}

	others := []merkle.Hash{
		HashPendingRequest([]merkle.Hash{b, a}, "alice", "salt"),
		HashPendingRequest([]merkle.Hash{a}, "alice", "salt"),
		HashPendingRequest([]merkle.Hash{a, b}, "bob", "salt"),
		HashPendingRequest([]merkle.Hash{a, b}, "alice", "pepper"),
		// Moving bytes between fields must not collide.
		HashPendingRequest([]merkle.Hash{a, b}, "alices", "alt"),
	}
	for k, o := range others {
		if o == h {
			t.Fatalf("variant %v collides", k)
		}
	}
}

func TestCompareSolutionSet(t *testing.T) {
	id1 := merkle.Sum([]byte("1"))
	id2 := merkle.Sum([]byte("2"))
	id3 := merkle.Sum([]byte("3"))

	received := []CaptchaSolution{
		{CaptchaID: id1, Solution: []uint{42}},
		{CaptchaID: id2, Solution: []uint{42}},
	}
	stored := []Captcha{
		{CaptchaID: id2, Solution: []uint{42}},
		{CaptchaID: id1, Solution: []uint{42}},
	}
	if !CompareSolutionSet(received, stored) {
		t.Fatalf("matching solutions rejected")
	}

	stored[1].Solution = []uint{21}
	if CompareSolutionSet(received, stored) {
		t.Fatalf("non matching solutions accepted")
	}

	// Unsolved captchas auto pass.
	stored[1].Solution = nil
	if !CompareSolutionSet(received, stored) {
		t.Fatalf("unsolved captcha failed")
	}

	// Length mismatch, even when every received pair would pass.
	long := append(received, CaptchaSolution{CaptchaID: id3})
	if CompareSolutionSet(long, stored) {
		t.Fatalf("length mismatch accepted")
	}
	if CompareSolutionSet(received[:1], stored) {
		t.Fatalf("length mismatch accepted")
	}

	// Unknown id.
	received[1].CaptchaID = id3
	if CompareSolutionSet(received, stored) {
		t.Fatalf("unknown captcha accepted")
	}
}

var compareTests = []struct {
	name     string
	received []uint
	stored   []uint
	sameID   bool
	expected bool
}{
	{"identical", []uint{1, 2, 3, 4}, []uint{1, 2, 3, 4}, true, true},
	{"reordered", []uint{1, 2, 3, 4}, []uint{1, 3, 2, 4}, true, true},
	{"different id", []uint{1, 2, 3, 4}, []uint{1, 2, 3, 4}, false, false},
	{"subset", []uint{1, 2}, []uint{1, 2, 3}, true, false},
	{"superset", []uint{1, 2, 3}, []uint{1, 2}, true, false},
	{"disjoint", []uint{5}, []uint{4}, true, false},
	{"empty received", nil, []uint{4}, true, false},
	{"unsolved", []uint{9, 8}, nil, true, true},
	{"unsolved other id", []uint{9, 8}, []uint{}, false, true},
}

func TestCompareSingle(t *testing.T) {
	id := merkle.Sum([]byte("1"))
	other := merkle.Sum([]byte("2"))
	for _, test := range compareTests {
		r := CaptchaSolution{CaptchaID: id, Solution: test.received}
		s := Captcha{CaptchaID: id, Solution: test.stored}
		if !test.sameID {
			s.CaptchaID = other
		}
		if got := CompareSingle(&r, &s); got != test.expected {
			t.Fatalf("%v: got %v want %v", test.name, got, test.expected)
		}
	}
}

func TestSolutionKey(t *testing.T) {
	if SolutionKey([]uint{1, 2}) == SolutionKey([]uint{2, 1}) {
		t.Fatalf("key must preserve order")
	}
	if SolutionKey([]uint{1, 2}) != SolutionKey([]uint{1, 2}) {
		t.Fatalf("key not deterministic")
	}
	if SolutionKey(nil) != SolutionKey([]uint{}) {
		t.Fatalf("empty keys differ")
	}
}
