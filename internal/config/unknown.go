package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys lists the valid keys of each section. The empty section holds
// the top-level keys.
var knownKeys = map[string][]string{
	"":      {"log_level", "log_file", "log_format", "log_retention_days"},
	"store": {"db_path", "lock_dir", "data_dir"},
	"sync": {
		"soft_time_budget", "hard_time_limit", "initial_page_size", "page_growth_ceiling",
		"commit_retries", "workers", "poll_interval", "retry_interval", "max_attempts",
	},
	"heartbeat": {"backend", "redis_addr", "redis_db", "alive_threshold", "ttl", "buffer"},
	"provider":  {"base_url", "timeout", "requests_per_second", "burst", "user_agent"},
	"server":    {"listen", "push_interval"},
}

// knownSections is the sorted list of section names for suggestions.
var knownSections = func() []string {
	out := make([]string, 0, len(knownKeys))
	for s := range knownKeys {
		if s != "" {
			out = append(out, s)
		}
	}

	sort.Strings(out)

	return out
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns an
// error with "did you mean?" suggestions for each. An unknown section is
// reported once, not once per key inside it.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()

	tables := make(map[string]bool)
	for _, key := range undecoded {
		if len(key) > 1 {
			tables[key[0]] = true
		}
	}

	var errs []error

	reported := make(map[string]bool)

	for _, key := range undecoded {
		section := key[0]
		if _, known := knownKeys[section]; !known && tables[section] {
			if !reported[section] {
				reported[section] = true
				errs = append(errs, withSuggestion(
					fmt.Sprintf("unknown config section [%s]", section), closestMatch(section, knownSections)))
			}

			continue
		}

		errs = append(errs, unknownKeyError(key))
	}

	return errors.Join(errs...)
}

func unknownKeyError(key toml.Key) error {
	keyStr := key.String()

	if len(key) == 1 {
		top := append([]string(nil), knownKeys[""]...)
		sort.Strings(top)

		return withSuggestion(fmt.Sprintf("unknown config key %q", keyStr), closestMatch(key[0], top))
	}

	section := key[0]
	leaf := strings.Join(key[1:], ".")
	sorted := append([]string(nil), knownKeys[section]...)
	sort.Strings(sorted)

	suggestion := closestMatch(leaf, sorted)
	if suggestion != "" {
		suggestion = section + "." + suggestion
	}

	return withSuggestion(fmt.Sprintf("unknown config key %q", keyStr), suggestion)
}

func withSuggestion(msg, suggestion string) error {
	if suggestion == "" {
		return errors.New(msg)
	}

	return fmt.Errorf("%s, did you mean %q?", msg, suggestion)
}

// closestMatch finds the closest known key by Levenshtein distance. Returns
// "" if no match is within maxLevenshteinDistance. Ties go to the earlier
// entry of known.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
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
