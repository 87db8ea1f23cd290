package vcs

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
)

// ParseNameStatusZ parses `git diff --name-status -z` output. Each record is a
// status field followed by one path, or two for renames and copies.
func ParseNameStatusZ(out []byte) ([]Change, error) {
	fields := splitNUL(out)
	var changes []Change
	for i := 0; i < len(fields); {
		status := fields[i]
		i++
		if status == "" {
			continue
		}
		code := ChangeStatus(status[0])
		switch code {
		case StatusRenamed, StatusCopied:
			if i+1 >= len(fields) {
				return nil, fmt.Errorf("truncated %c record", code)
			}
			changes = append(changes, Change{Status: code, OldPath: fields[i], Path: fields[i+1]})
			i += 2
		default:
			if i >= len(fields) {
				return nil, fmt.Errorf("truncated %c record", code)
			}
			changes = append(changes, Change{Status: code, Path: fields[i]})
			i++
		}
	}
	return changes, nil
}

// ParseLines splits newline-separated output and drops blank lines.
func ParseLines(out []byte) []string {
	var lines []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func splitNUL(out []byte) []string {
	out = bytes.TrimSuffix(out, []byte{0})
	if len(out) == 0 {
		return nil
	}
	parts := bytes.Split(out, []byte{0})
	fields := make([]string, len(parts))
	for i, p := range parts {
		fields[i] = string(p)
	}
	return fields
}

// ChangedPaths flattens change sets into a sorted, de-duplicated path list.
func ChangedPaths(sets ...[]Change) []string {
	seen := make(map[string]struct{})
	var paths []string
	for _, set := range sets {
		for _, c := range set {
			for _, p := range c.Paths() {
				if _, ok := seen[p]; ok {
					continue
				}
				seen[p] = struct{}{}
				paths = append(paths, p)
			}
		}
	}
	sort.Strings(paths)
	return paths
}
