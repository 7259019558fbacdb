package native

import (
	"testing"

	"github.com/pwnsight/pwnsight/pkg/proc"
)

const sampleMaps = `00400000-004b6000 r-xp 00000000 08:01 1048601                            /usr/bin/demo
006b6000-006bc000 rw-p 000b6000 08:01 1048601                            /usr/bin/demo
01e05000-01e26000 rw-p 00000000 00:00 0                                  [heap]
7f2d4e000000-7f2d4e1c4000 r-xp 00000000 08:01 396357                     /lib/x86_64-linux-gnu/libc-2.27.so
7f2d4e5d2000-7f2d4e5d4000 rw-p 00000000 00:00 0
7ffd8a5cf000-7ffd8a5f0000 rw-p 00000000 00:00 0                          [stack]
ffffffffff600000-ffffffffff601000 r-xp 00000000 00:00 0                  [vsyscall]
garbage line
12345-notahex rw-p 00000000 00:00 0
`

func TestParseMaps(t *testing.T) {
	regions, err := ParseMaps([]byte(sampleMaps))
	if err != nil {
		t.Fatal(err)
	}
	if len(regions) != 7 {
		t.Fatalf("parsed %d regions, want 7", len(regions))
	}

	text := regions[0]
	if text.Start != 0x400000 || text.Size != 0xb6000 {
		t.Errorf("bad text range: %#x+%#x", text.Start, text.Size)
	}
	if text.Perms != proc.PermRead|proc.PermExec || text.Name != "/usr/bin/demo" {
		t.Errorf("bad text region: %+v", text)
	}

	heap := regions[2]
	if heap.Name != "[heap]" || heap.Perms != proc.PermRead|proc.PermWrite {
		t.Errorf("bad heap region: %+v", heap)
	}

	if anon := regions[4]; anon.Name != "" {
		t.Errorf("anonymous mapping got name %q", anon.Name)
	}
	if stack := regions[5]; stack.Name != "[stack]" {
		t.Errorf("bad stack region: %+v", stack)
	}
}

func TestParseMapsLineSpacesInName(t *testing.T) {
	r, ok := parseMapsLine("7f00000000-7f00001000 r--p 00000000 08:01 42 /tmp/with space.so")
	if !ok || r.Name != "/tmp/with space.so" {
		t.Fatalf("got %+v, %v", r, ok)
	}
}

func TestParseMapsLineRejects(t *testing.T) {
	for _, line := range []string{
		"",
		"short line",
		"1000-800 rw-p 00000000 00:00 0",  // end before start
		"zz-1000 rw-p 00000000 00:00 0",   // bad hex
		"1000-2000 rw 00000000 00:00 0",   // truncated perms
	} {
		if _, ok := parseMapsLine(line); ok {
			t.Errorf("accepted %q", line)
		}
	}
}
