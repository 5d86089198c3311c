// Package listfile scans line-oriented reference files such as range lists and blocklists.
package listfile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// LineFunc handles one significant line. A returned error is reported by Scan
// through the skip callback and scanning continues.
type LineFunc func(lineNo int, line string) error

// SkipFunc is called for every line rejected by a LineFunc.
type SkipFunc func(lineNo int, line string, err error)

// Scan walks r line by line. Lines are trimmed; empty lines and lines starting
// with '#' are ignored. Only read errors abort the scan.
func Scan(r io.Reader, fn LineFunc, skip SkipFunc) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := fn(lineNo, line); err != nil && skip != nil {
			skip(lineNo, line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to scan list: %w", err)
	}
	return nil
}

// ScanFile opens path and scans it. Failing to open the file is returned as an error.
func ScanFile(path string, fn LineFunc, skip SkipFunc) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open list file: %w", err)
	}
	defer f.Close()
	return Scan(f, fn, skip)
}

// SplitPair splits "a, b" into exactly two trimmed fields.
func SplitPair(line string) (string, string, error) {
	parts := strings.Split(line, ",")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("expected 2 comma separated fields, got %d", len(parts))
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), nil
}
