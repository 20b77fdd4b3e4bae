// Package suggest offers "did you mean" hints for mistyped flags and config
// keys using Levenshtein distance.
package suggest

import (
	"sort"
	"strings"
)

// levenshtein calculates the edit distance between two strings
func levenshtein(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

// Similar returns up to three entries of valid close to unknown, best first.
// Leading dashes are ignored and "-" and "_" compare equal, so "--chunk-size"
// matches the key "chunk_size".
func Similar(unknown string, valid []string) []string {
	norm := func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimLeft(s, "-")), "-", "_")
	}
	u := norm(unknown)

	type scored struct {
		value string
		score int
	}
	var candidates []scored
	maxDist := max(2, len(u)/3)
	for _, v := range valid {
		n := norm(v)
		d := levenshtein(u, n)
		if strings.Contains(n, u) && len(u) >= 3 {
			d = min(d, 1)
		}
		if d <= maxDist {
			candidates = append(candidates, scored{v, d})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score < candidates[j].score })

	var result []string
	for i := 0; i < len(candidates) && i < 3; i++ {
		result = append(result, candidates[i].value)
	}
	return result
}

// CommonFlagAliases maps commonly attempted flags to what callsync expects.
var CommonFlagAliases = map[string]string{
	"json":    "--format json",
	"yaml":    "--format yaml",
	"output":  "--format",
	"o":       "--format",
	"phone":   "--number",
	"message": "use: callsync note <call-id> <text>",
	"comment": "use: callsync note <call-id> <text>",
	"force":   "--yes",
	"confirm": "--yes",
}

// FlagHint returns a hint for a commonly misused flag
func FlagHint(flag string) string {
	return CommonFlagAliases[strings.ToLower(strings.TrimLeft(flag, "-"))]
}
