// Package ethaddr extracts and validates EVM addresses embedded in free text.
package ethaddr

import (
	"errors"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var addressPattern = regexp.MustCompile(`0x[0-9a-fA-F]{40}`)

var (
	// ErrInvalidAddress indicates the input is not a 0x-prefixed 40-hex-digit address.
	ErrInvalidAddress = errors.New("ethaddr: invalid address")
	// ErrChecksumMismatch indicates a mixed-case address whose EIP-55 checksum does not verify.
	ErrChecksumMismatch = errors.New("ethaddr: checksum mismatch")
)

// Extract scans text for the first embedded address. The second return value
// reports whether a match was found. First match wins when the text contains
// more than one candidate.
func Extract(text string) (common.Address, bool) {
	match := addressPattern.FindString(text)
	if match == "" {
		return common.Address{}, false
	}
	return common.HexToAddress(match), true
}

// Parse interprets the whole (trimmed) input as a single address. All-lower
// and all-upper hex are accepted as-is; mixed-case input must carry a valid
// EIP-55 checksum.
func Parse(text string) (common.Address, error) {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) != 42 || !common.IsHexAddress(trimmed) {
		return common.Address{}, ErrInvalidAddress
	}
	hexPart := trimmed[2:]
	if hexPart != strings.ToLower(hexPart) && hexPart != strings.ToUpper(hexPart) {
		mixed, err := common.NewMixedcaseAddressFromString(trimmed)
		if err != nil {
			return common.Address{}, ErrInvalidAddress
		}
		if !mixed.ValidChecksum() {
			return common.Address{}, ErrChecksumMismatch
		}
		return mixed.Address(), nil
	}
	return common.HexToAddress(trimmed), nil
}

// RewriteBio returns bio with addr as its only embedded address. The first
// existing occurrence is replaced in place and any further occurrences are
// removed; a bio with no embedded address gets addr appended. The result
// renders addr in checksummed form, so Extract(RewriteBio(bio, addr)) always
// yields addr.
func RewriteBio(bio string, addr common.Address) string {
	rendered := addr.Hex()
	locs := addressPattern.FindAllStringIndex(bio, -1)
	if len(locs) == 0 {
		if strings.TrimSpace(bio) == "" {
			return rendered
		}
		return bio + " " + rendered
	}
	var b strings.Builder
	prev := 0
	for i, loc := range locs {
		b.WriteString(bio[prev:loc[0]])
		if i == 0 {
			b.WriteString(rendered)
		}
		prev = loc[1]
	}
	b.WriteString(bio[prev:])
	return b.String()
}
