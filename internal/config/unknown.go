package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions.
const maxLevenshteinDistance = 3

// knownKeys are the valid top-level keys, sorted so that ties in edit
// distance resolve deterministically.
var knownKeys = func() []string {
	keys := []string{
		"backend_url",
		"callback_addr", "landing_path", "token_ttl",
		"default_kind", "poll_interval", "repoll_delay", "max_file_size",
		"log_level", "log_file", "log_format",
		"timeout", "user_agent",
		"state_dir",
	}
	slices.Sort(keys)

	return keys
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	seen := make(map[string]bool)

	for _, key := range md.Undecoded() {
		// Tables report every nested key; one error per top-level name.
		field := strings.SplitN(key.String(), ".", 2)[0]
		if seen[field] {
			continue
		}

		seen[field] = true
		errs = append(errs, unknownKeyError(field))
	}

	return errors.Join(errs...)
}

func unknownKeyError(field string) error {
	if suggestion := closestMatch(field, knownKeys); suggestion != "" {
		return fmt.Errorf("unknown config key %q, did you mean %q?", field, suggestion)
	}

	return fmt.Errorf("unknown config key %q", field)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		if d := levenshtein(unknown, k); d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings using a
// two-row table.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
