// Package region implements the Region Merger: a pure function that folds
// an event's existing regions together with the city names of its attached
// news into a canonical, de-duplicated token set.
package region

import (
	"encoding/json"
	"sort"
	"strings"
)

// ignored tokens that commonly leak in from free-form city_name fields or
// an LLM's empty-region answer.
var ignored = map[string]bool{
	"":     true,
	"null": true,
	"none": true,
}

// Merge folds existingRegions (a comma-joined string or a JSON array,
// either form is accepted since both appear in the wild depending on which
// caller produced it) together with the city_name strings of a batch of
// news (each possibly itself comma-joined) into a canonical, sorted,
// de-duplicated, comma-joined region string.
//
// Merge is deterministic and side-effect-free: Merge(Merge(a, b), c) ==
// Merge(a, Merge(b, c)) for any token multisets a, b, c.
func Merge(existingRegions string, cityNames []string) string {
	set := make(map[string]struct{})

	for _, tok := range parseRegions(existingRegions) {
		addToken(set, tok)
	}
	for _, city := range cityNames {
		for _, tok := range strings.Split(city, ",") {
			addToken(set, tok)
		}
	}

	if len(set) == 0 {
		return ""
	}

	tokens := make([]string, 0, len(set))
	for tok := range set {
		tokens = append(tokens, tok)
	}
	sort.Strings(tokens)
	return strings.Join(tokens, ",")
}

func addToken(set map[string]struct{}, raw string) {
	tok := strings.TrimSpace(raw)
	if ignored[strings.ToLower(tok)] {
		return
	}
	set[tok] = struct{}{}
}

// parseRegions accepts either a JSON array of strings (`["X","Y"]`) or a
// plain comma-joined string ("X,Y") — both forms show up depending on
// whether the caller is reading a freshly-LLM-produced value or a
// previously-persisted Event.Regions column.
func parseRegions(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if strings.HasPrefix(raw, "[") {
		var arr []string
		if err := json.Unmarshal([]byte(raw), &arr); err == nil {
			return arr
		}
	}
	return strings.Split(raw, ",")
}
