package finalize

import (
	"regexp"
	"strconv"
	"strings"
)

// numericToken matches dates, times, decimals and plain quantities.
var numericToken = regexp.MustCompile(`\d+(?:[.,:/-]\d+)*`)

var atomSplit = regexp.MustCompile(`[.,:/-]`)

// Guard checks that synthesized text introduces no numeric fact absent from
// its sources.
type Guard struct{}

// Check returns the numeric tokens of text that are not supported by any of
// sources. A token is supported when every number inside it (the parts of a
// date or time) appears in some source. extra lists additional permitted
// numbers such as collection sizes.
func (Guard) Check(text string, sources []string, extra ...int) []string {
	allowed := make(map[string]bool)
	for _, src := range sources {
		for _, tok := range numericToken.FindAllString(src, -1) {
			for _, a := range atoms(tok) {
				allowed[a] = true
			}
		}
	}
	for _, n := range extra {
		allowed[strconv.Itoa(n)] = true
	}

	var violations []string
	seen := make(map[string]bool)
	for _, tok := range numericToken.FindAllString(text, -1) {
		if seen[tok] {
			continue
		}
		seen[tok] = true
		for _, a := range atoms(tok) {
			if !allowed[a] {
				violations = append(violations, tok)
				break
			}
		}
	}
	return violations
}

// atoms splits a numeric token into its numbers without leading zeros.
func atoms(tok string) []string {
	parts := atomSplit.Split(tok, -1)
	out := parts[:0]
	for _, p := range parts {
		p = strings.TrimLeft(p, "0")
		if p == "" {
			p = "0"
		}
		out = append(out, p)
	}
	return out
}
