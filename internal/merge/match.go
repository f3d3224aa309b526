package merge

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

var (
	// ErrInvalidPattern is returned for item list patterns Match cannot evaluate
	ErrInvalidPattern = errors.New("invalid item pattern")
)

// Match reports whether name matches pattern using the rules of path.Match, plus a
// single recursive ** path element matching any number of directories.
func Match(pattern, name string) (bool, error) {
	if path.Base(pattern) == "**" {
		return false, fmt.Errorf("%q has '**' as last path element: %w", pattern, ErrInvalidPattern)
	}
	if pattern == "" || name == "" {
		return false, nil
	}

	patternDir := strings.HasSuffix(pattern, "/")
	nameDir := strings.HasSuffix(name, "/")
	if patternDir != nameDir {
		return false, nil
	}
	if nameDir {
		name = name[:len(name)-1]
		pattern = pattern[:len(pattern)-1]
	}

	for {
		var patternFile, nameFile string
		pattern, patternFile = path.Dir(pattern), path.Base(pattern)

		if patternFile == "**" {
			if strings.Contains(pattern, "**") {
				return false, fmt.Errorf("%q contains multiple '**': %w", pattern, ErrInvalidPattern)
			}
			// any prefix of name may match the part before **
			for {
				if name == "." || name == "/" {
					return name == pattern, nil
				}
				if match, err := path.Match(pattern, name); err != nil {
					return false, fmt.Errorf("%q: %v: %w", pattern, err, ErrInvalidPattern)
				} else if match {
					return true, nil
				}
				name = path.Dir(name)
			}
		} else if strings.Contains(patternFile, "**") {
			return false, fmt.Errorf("%q has characters between '**' and a separator: %w", patternFile, ErrInvalidPattern)
		}

		name, nameFile = path.Dir(name), path.Base(name)

		switch {
		case nameFile == "." && patternFile == ".":
			return true, nil
		case nameFile == "/" && patternFile == "/":
			return true, nil
		case nameFile == "." || patternFile == "." || nameFile == "/" || patternFile == "/":
			return false, nil
		}

		match, err := path.Match(patternFile, nameFile)
		if err != nil {
			return false, fmt.Errorf("%q: %v: %w", patternFile, err, ErrInvalidPattern)
		}
		if !match {
			return false, nil
		}
	}
}

// ItemList is the set of target-files patterns one side of a merge contributes
type ItemList []string

// ParseItemList reads one pattern per line, skipping blanks and # comments
func ParseItemList(data []byte) ItemList {
	var out ItemList
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			out = append(out, line)
		}
	}
	return out
}

// Matches returns the first pattern matching name
func (l ItemList) Matches(name string) (string, bool, error) {
	for _, pattern := range l {
		match, err := Match(pattern, name)
		if err != nil {
			return "", false, err
		}
		if match {
			return pattern, true, nil
		}
	}
	return "", false, nil
}
