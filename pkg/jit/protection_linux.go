package jit

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Protection returns the permission field ("r-xp", "rw-p", ...) of the
// mapping that contains addr, as reported by /proc/self/maps.
func Protection(addr uintptr) (string, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return "", fmt.Errorf("failed to open memory map: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		// 7f1c2a000000-7f1c2a001000 r-xp 00000000 00:00 0
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		lo, hi, ok := strings.Cut(fields[0], "-")
		if !ok {
			continue
		}
		start, err := strconv.ParseUint(lo, 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseUint(hi, 16, 64)
		if err != nil {
			continue
		}
		if uint64(addr) >= start && uint64(addr) < end {
			return fields[1], nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("failed to read memory map: %w", err)
	}
	return "", fmt.Errorf("address 0x%x is not mapped", addr)
}
