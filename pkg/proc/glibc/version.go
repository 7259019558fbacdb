// Package glibc reconstructs glibc malloc state (arenas, bins, tcache,
// chunks) from raw target memory. All traversal is bounded and
// corruption-tolerant: allocator metadata is untrusted input.
package glibc

import (
	"fmt"
	"strconv"
	"strings"
)

// Version identifies a generation of the glibc malloc on-memory layout.
// Generations group releases that share struct layouts; release strings
// are mapped onto them by ParseVersion.
type Version int

const (
	// V223 covers glibc 2.23 through 2.25: no tcache.
	V223 Version = iota
	// V226 is glibc 2.26: tcache with byte counts, no have_fastchunks.
	V226
	// V227 covers 2.27 through 2.29: have_fastchunks in malloc_state.
	V227
	// V230 covers 2.30 and 2.31: tcache counts widen to uint16.
	V230
	// V232 covers 2.32 and later: free-list pointers are mangled
	// (safe-linking).
	V232
)

func (v Version) String() string {
	switch v {
	case V223:
		return "2.23-2.25"
	case V226:
		return "2.26"
	case V227:
		return "2.27-2.29"
	case V230:
		return "2.30-2.31"
	case V232:
		return "2.32+"
	}
	return "unknown"
}

// UnsupportedLayoutError is returned for (architecture, version) pairs
// the catalog has no layout for. The catalog never guesses.
type UnsupportedLayoutError struct {
	Arch    string
	Version string
}

func (e *UnsupportedLayoutError) Error() string {
	return fmt.Sprintf("unsupported allocator layout: %s glibc %s", e.Arch, e.Version)
}

// ParseVersion maps a glibc release string such as "2.31" to its layout
// generation.
func ParseVersion(release string) (Version, error) {
	bad := &UnsupportedLayoutError{Version: release}
	parts := strings.SplitN(strings.TrimSpace(release), ".", 3)
	if len(parts) < 2 {
		return 0, bad
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, bad
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, bad
	}
	if major != 2 || minor < 23 {
		return 0, bad
	}
	switch {
	case minor <= 25:
		return V223, nil
	case minor == 26:
		return V226, nil
	case minor <= 29:
		return V227, nil
	case minor <= 31:
		return V230, nil
	default:
		return V232, nil
	}
}
