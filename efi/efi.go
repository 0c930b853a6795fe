// Package efi holds the few EFI base types and conversions shared by the
// boot driver and its platform collaborators.
package efi

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// PageSize is the EFI page size. Attribute operations are page-granular.
const PageSize = 1 << 12

// SizeToPages returns the number of pages covering size bytes, rounding up.
func SizeToPages(size uint64) int {
	return int((size + PageSize - 1) / PageSize)
}

// PagesToSize returns the byte size of pages pages.
func PagesToSize(pages int) uint64 {
	return uint64(pages) * PageSize
}

// GUID is an EFI GUID in its 16-byte wire representation: the first three
// groups are little-endian, the last two are a byte sequence.
type GUID [16]byte

// ParseGUID parses the canonical xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx form.
func ParseGUID(s string) (GUID, error) {
	var g GUID

	parts := strings.Split(s, "-")
	if len(parts) != 5 {
		return g, fmt.Errorf("efi: malformed GUID %q", s)
	}

	for i, n := range []int{8, 4, 4, 4, 12} {
		if len(parts[i]) != n {
			return g, fmt.Errorf("efi: malformed GUID %q", s)
		}
	}

	raw, err := hex.DecodeString(strings.Join(parts, ""))
	if err != nil || len(raw) != 16 {
		return g, fmt.Errorf("efi: malformed GUID %q", s)
	}

	g[0], g[1], g[2], g[3] = raw[3], raw[2], raw[1], raw[0]
	g[4], g[5] = raw[5], raw[4]
	g[6], g[7] = raw[7], raw[6]
	copy(g[8:], raw[8:])

	return g, nil
}

// MustParseGUID is ParseGUID, except it panics on error.
func MustParseGUID(s string) GUID {
	g, err := ParseGUID(s)
	if err != nil {
		panic(err)
	}

	return g
}

func (g GUID) String() string {
	return fmt.Sprintf("%02x%02x%02x%02x-%02x%02x-%02x%02x-%02x%02x-%02x%02x%02x%02x%02x%02x",
		g[3], g[2], g[1], g[0], g[5], g[4], g[7], g[6],
		g[8], g[9], g[10], g[11], g[12], g[13], g[14], g[15])
}
