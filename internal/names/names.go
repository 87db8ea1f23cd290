// Package names generates agent names such as "RedCat" or "BlueLake".
package names

import (
	"fmt"
	"math/rand/v2"
	"strings"
)

var (
	adjectives = []string{
		"Red", "Blue", "Green", "Gold", "Silver", "Amber", "Coral", "Crimson",
		"Indigo", "Ivory", "Jade", "Olive", "Orange", "Pink", "Purple", "Rose",
		"Ruby", "Sage", "Scarlet", "Teal", "Violet", "White", "Black", "Gray",
		"Bright", "Calm", "Swift", "Quiet", "Bold", "Lucky", "Misty", "Sunny",
	}

	nouns = []string{
		"Cat", "Lake", "Fox", "Owl", "Bear", "Wolf", "Hawk", "Deer",
		"Otter", "Stone", "River", "Hill", "Pond", "Creek", "Forest", "Castle",
		"Falcon", "Heron", "Lynx", "Moose", "Raven", "Finch", "Badger", "Beaver",
		"Meadow", "Ridge", "Valley", "Harbor", "Canyon", "Glacier", "Island", "Summit",
	}
)

// Generate returns a random adjective+noun name.
func Generate() string {
	return adjectives[rand.IntN(len(adjectives))] + nouns[rand.IntN(len(nouns))]
}

// Unique returns a generated name not present in taken (compared
// case-insensitively). After the plain space is exhausted a numeric suffix
// is added.
func Unique(taken []string) string {
	used := make(map[string]bool, len(taken))
	for _, n := range taken {
		used[strings.ToLower(n)] = true
	}
	for i := 0; i < 64; i++ {
		if name := Generate(); !used[strings.ToLower(name)] {
			return name
		}
	}
	for i := 2; ; i++ {
		name := fmt.Sprintf("%s%d", Generate(), i)
		if !used[strings.ToLower(name)] {
			return name
		}
	}
}

// Valid reports whether s looks like a generated name: letters and digits
// only, starting with an upper-case letter.
func Valid(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	if s[0] < 'A' || s[0] > 'Z' {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}
