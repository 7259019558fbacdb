package native

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/pwnsight/pwnsight/pkg/proc"
)

// ParseMaps parses the contents of a /proc/<pid>/maps file into memory
// regions. Lines that do not parse are skipped rather than failing the
// whole listing; the kernel occasionally grows new fields.
func ParseMaps(data []byte) ([]proc.MemoryRegion, error) {
	var regions []proc.MemoryRegion
	scan := bufio.NewScanner(bytes.NewReader(data))
	for scan.Scan() {
		region, ok := parseMapsLine(scan.Text())
		if ok {
			regions = append(regions, region)
		}
	}
	if err := scan.Err(); err != nil {
		return nil, fmt.Errorf("reading maps: %v", err)
	}
	return regions, nil
}

func parseMapsLine(line string) (proc.MemoryRegion, bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return proc.MemoryRegion{}, false
	}
	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return proc.MemoryRegion{}, false
	}
	start, err1 := strconv.ParseUint(addrs[0], 16, 64)
	end, err2 := strconv.ParseUint(addrs[1], 16, 64)
	if err1 != nil || err2 != nil || end <= start {
		return proc.MemoryRegion{}, false
	}
	perms := fields[1]
	if len(perms) < 3 {
		return proc.MemoryRegion{}, false
	}
	var p uint8
	if perms[0] == 'r' {
		p |= proc.PermRead
	}
	if perms[1] == 'w' {
		p |= proc.PermWrite
	}
	if perms[2] == 'x' {
		p |= proc.PermExec
	}
	name := ""
	if len(fields) >= 6 {
		name = strings.Join(fields[5:], " ")
	}
	return proc.MemoryRegion{Start: start, Size: end - start, Perms: p, Name: name}, true
}
