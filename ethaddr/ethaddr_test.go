package ethaddr

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

const (
	checksummed = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	lowercased  = "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"
)

func TestExtractFirstMatchWins(t *testing.T) {
	t.Parallel()

	first := "0x1111111111111111111111111111111111111111"
	second := "0x2222222222222222222222222222222222222222"
	addr, ok := Extract("rewards to " + first + " or maybe " + second)
	if !ok {
		t.Fatalf("expected a match")
	}
	if addr != common.HexToAddress(first) {
		t.Fatalf("expected first candidate, got %s", addr.Hex())
	}
}

func TestExtractAbsence(t *testing.T) {
	t.Parallel()

	if _, ok := Extract("no address here, just 0x123 and noise"); ok {
		t.Fatalf("expected no match")
	}
}

func TestParse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		input string
		err   error
	}{
		{name: "checksummed", input: checksummed},
		{name: "lowercase", input: lowercased},
		{name: "uppercase", input: "0x" + strings.ToUpper(lowercased[2:])},
		{name: "surrounding whitespace", input: "  " + checksummed + "\n"},
		{name: "bad checksum", input: "0x5Aaeb6053f3e94c9b9a09f33669435e7ef1beaed", err: ErrChecksumMismatch},
		{name: "too short", input: "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beae", err: ErrInvalidAddress},
		{name: "embedded in sentence", input: "send to " + lowercased, err: ErrInvalidAddress},
		{name: "not hex", input: "0xzzzeb6053f3e94c9b9a09f33669435e7ef1beaed", err: ErrInvalidAddress},
	}
	want := common.HexToAddress(lowercased)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			addr, err := Parse(tc.input)
			if tc.err != nil {
				if err != tc.err {
					t.Fatalf("expected %v, got %v", tc.err, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if addr != want {
				t.Fatalf("expected %s, got %s", want.Hex(), addr.Hex())
			}
		})
	}
}

func TestRewriteBioSubstitutes(t *testing.T) {
	t.Parallel()

	old := "0x1111111111111111111111111111111111111111"
	next := common.HexToAddress("0x2222222222222222222222222222222222222222")

	rewritten := RewriteBio("learning spanish | "+old+" | hola", next)
	if strings.Contains(rewritten, old) {
		t.Fatalf("old address left behind: %q", rewritten)
	}
	if got := len(addressPattern.FindAllString(rewritten, -1)); got != 1 {
		t.Fatalf("expected exactly one embedded address, got %d in %q", got, rewritten)
	}
	got, ok := Extract(rewritten)
	if !ok || got != next {
		t.Fatalf("extract after rewrite: got %s ok=%v", got.Hex(), ok)
	}
}

func TestRewriteBioDropsExtraOccurrences(t *testing.T) {
	t.Parallel()

	old := "0x1111111111111111111111111111111111111111"
	next := common.HexToAddress("0x3333333333333333333333333333333333333333")

	rewritten := RewriteBio(old+" twice "+old, next)
	if got := len(addressPattern.FindAllString(rewritten, -1)); got != 1 {
		t.Fatalf("expected exactly one embedded address, got %d in %q", got, rewritten)
	}
}

func TestRewriteBioAppends(t *testing.T) {
	t.Parallel()

	next := common.HexToAddress(lowercased)
	bio := "streak 900, send help"
	rewritten := RewriteBio(bio, next)
	if rewritten != bio+" "+next.Hex() {
		t.Fatalf("unexpected rewrite: %q", rewritten)
	}

	if got := RewriteBio("", next); got != next.Hex() {
		t.Fatalf("empty bio rewrite: %q", got)
	}
}
