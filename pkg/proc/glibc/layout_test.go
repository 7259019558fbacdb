package glibc

import (
	"errors"
	"testing"

	"github.com/pwnsight/pwnsight/pkg/proc"
)

func TestMallocStateOffsetsAMD64(t *testing.T) {
	// Offsets verified against the glibc sources for each generation.
	for _, tc := range []struct {
		version   Version
		fastbinsY uint64
		top       uint64
		bins      uint64
		next      uint64
	}{
		{V223, 8, 88, 104, 2152},
		{V226, 8, 88, 104, 2152},
		{V227, 16, 96, 112, 2160},
		{V230, 16, 96, 112, 2160},
		{V232, 16, 96, 112, 2160},
	} {
		l, err := LayoutFor(proc.AMD64, tc.version)
		if err != nil {
			t.Fatal(err)
		}
		if l.FastbinsY != tc.fastbinsY || l.Top != tc.top || l.Bins != tc.bins || l.Next != tc.next {
			t.Errorf("%s: fastbinsY=%d top=%d bins=%d next=%d, want %d %d %d %d",
				tc.version, l.FastbinsY, l.Top, l.Bins, l.Next,
				tc.fastbinsY, tc.top, tc.bins, tc.next)
		}
	}
}

func TestMallocStateOffsetsI386(t *testing.T) {
	l, err := LayoutFor(proc.I386, V223)
	if err != nil {
		t.Fatal(err)
	}
	if l.FastbinsY != 8 || l.Top != 48 || l.Bins != 56 || l.Next != 1088 {
		t.Errorf("wrong 32-bit offsets: fastbinsY=%d top=%d bins=%d next=%d", l.FastbinsY, l.Top, l.Bins, l.Next)
	}
	if l.MinChunkSize != 16 || l.MallocAlign != 8 {
		t.Errorf("wrong 32-bit constants: min=%d align=%d", l.MinChunkSize, l.MallocAlign)
	}

	l, err = LayoutFor(proc.I386, V227)
	if err != nil {
		t.Fatal(err)
	}
	if l.FastbinsY != 12 || l.Top != 52 {
		t.Errorf("wrong 32-bit have_fastchunks offsets: fastbinsY=%d top=%d", l.FastbinsY, l.Top)
	}
}

func TestI386AlignmentByVersion(t *testing.T) {
	// glibc 2.26 raised MALLOC_ALIGNMENT from 8 to 16 on i386.
	l223, _ := LayoutFor(proc.I386, V223)
	if l223.MallocAlign != 8 {
		t.Errorf("2.23 32-bit alignment = %d, want 8", l223.MallocAlign)
	}
	for _, v := range []Version{V226, V227, V230, V232} {
		l, _ := LayoutFor(proc.I386, v)
		if l.MallocAlign != 16 {
			t.Errorf("%s 32-bit alignment = %d, want 16", v, l.MallocAlign)
		}
		if l.MinChunkSize != 16 {
			t.Errorf("%s 32-bit minimum chunk size = %d, want 16", v, l.MinChunkSize)
		}
		if l.TcacheSizeClass(1) != 32 {
			t.Errorf("%s 32-bit tcache size class 1 = %d, want 32", v, l.TcacheSizeClass(1))
		}
	}
	// 64-bit alignment is version-independent.
	l232, _ := LayoutFor(proc.AMD64, V232)
	if l232.MallocAlign != 16 {
		t.Errorf("2.32 64-bit alignment = %d, want 16", l232.MallocAlign)
	}
}

func TestTcacheLayout(t *testing.T) {
	l223, _ := LayoutFor(proc.AMD64, V223)
	if l223.HasTcache {
		t.Error("2.23 layout claims a tcache")
	}

	l226, _ := LayoutFor(proc.AMD64, V226)
	if !l226.HasTcache || l226.TcacheCountSize != 1 || l226.TcacheEntries != 64 {
		t.Errorf("wrong 2.26 tcache layout: %+v", l226)
	}

	l230, _ := LayoutFor(proc.AMD64, V230)
	if l230.TcacheCountSize != 2 || l230.TcacheEntries != 128 {
		t.Errorf("wrong 2.30 tcache layout: countSize=%d entries=%d", l230.TcacheCountSize, l230.TcacheEntries)
	}

	if l230.ProtectPointers {
		t.Error("2.30 layout claims safe-linking")
	}
	l232, _ := LayoutFor(proc.AMD64, V232)
	if !l232.ProtectPointers {
		t.Error("2.32 layout missing safe-linking")
	}
}

func TestLayoutForUnknownArch(t *testing.T) {
	bogus := &proc.Arch{Name: "riscv64", PtrSize: 8}
	_, err := LayoutFor(bogus, V227)
	var unsupported *UnsupportedLayoutError
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected UnsupportedLayoutError, got %v", err)
	}
}

func TestParseVersion(t *testing.T) {
	for _, tc := range []struct {
		release string
		want    Version
		ok      bool
	}{
		{"2.23", V223, true},
		{"2.25", V223, true},
		{"2.26", V226, true},
		{"2.27", V227, true},
		{"2.29", V227, true},
		{"2.30", V230, true},
		{"2.31", V230, true},
		{"2.32", V232, true},
		{"2.39", V232, true},
		{"2.19", 0, false},
		{"3.0", 0, false},
		{"garbage", 0, false},
		{"", 0, false},
	} {
		got, err := ParseVersion(tc.release)
		if tc.ok && (err != nil || got != tc.want) {
			t.Errorf("ParseVersion(%q) = %v, %v; want %v", tc.release, got, err, tc.want)
		}
		if !tc.ok && err == nil {
			t.Errorf("ParseVersion(%q) succeeded, want error", tc.release)
		}
	}
}

func TestDemanglePointer(t *testing.T) {
	l232, _ := LayoutFor(proc.AMD64, V232)
	slot := uint64(0x602110)
	val := uint64(0x602140)
	if got := l232.DemanglePointer(val^(slot>>12), slot); got != val {
		t.Errorf("DemanglePointer = %#x, want %#x", got, val)
	}

	l227, _ := LayoutFor(proc.AMD64, V227)
	if got := l227.DemanglePointer(val, slot); got != val {
		t.Errorf("pre-2.32 DemanglePointer mangled the value: %#x", got)
	}
}

func TestSizeClasses(t *testing.T) {
	l, _ := LayoutFor(proc.AMD64, V227)
	if l.FastbinSizeClass(0) != 0x20 || l.FastbinSizeClass(1) != 0x30 {
		t.Error("wrong fastbin size classes")
	}
	if l.TcacheSizeClass(0) != 0x20 {
		t.Error("wrong tcache size class")
	}
	if l.SmallbinSizeClass(2) != 0x20 || l.SmallbinSizeClass(1) != 0 || l.SmallbinSizeClass(64) != 0 {
		t.Error("wrong smallbin size classes")
	}
}
