// Package normalize produces canonical address strings used as the join key
// across Seattle open data sources. Normalization is deterministic and
// idempotent: normalize(normalize(x)) == normalize(x).
package normalize

import (
	"regexp"
	"sort"
	"strings"
)

// Directional mappings. Compound forms (including dotted ones) must be
// rewritten before the bare cardinal words, so the regex alternation is
// built longest-first.
var directionals = map[string]string{
	"SOUTHWEST": "SW", "SOUTH WEST": "SW", "S WEST": "SW", "S.W.": "SW", "S.W": "SW",
	"NORTHWEST": "NW", "NORTH WEST": "NW", "N WEST": "NW", "N.W.": "NW", "N.W": "NW",
	"SOUTHEAST": "SE", "SOUTH EAST": "SE", "S EAST": "SE", "S.E.": "SE", "S.E": "SE",
	"NORTHEAST": "NE", "NORTH EAST": "NE", "N EAST": "NE", "N.E.": "NE", "N.E": "NE",
	"SOUTH": "S", "NORTH": "N", "EAST": "E", "WEST": "W",
}

// Street suffix mappings, tolerating a trailing period.
var suffixes = map[string]string{
	"STREET": "ST", "STR": "ST", "ST.": "ST",
	"AVENUE": "AVE", "AVE.": "AVE", "AV": "AVE",
	"DRIVE": "DR", "DR.": "DR",
	"BOULEVARD": "BLVD", "BLVD.": "BLVD",
	"PLACE": "PL", "PL.": "PL",
	"COURT": "CT", "CT.": "CT",
	"LANE": "LN", "LN.": "LN",
	"ROAD": "RD", "RD.": "RD",
	"CIRCLE": "CIR", "CIR.": "CIR",
	"TERRACE": "TER", "TER.": "TER",
	"PARKWAY": "PKWY", "PKWY.": "PKWY",
	"WAY": "WAY",
}

// Ordinal street names: "FIRST AVENUE" and "1ST AVENUE" are the same street.
var ordinalWords = []struct{ word, repl string }{
	{"FIRST", "1ST"}, {"SECOND", "2ND"}, {"THIRD", "3RD"}, {"FOURTH", "4TH"},
	{"FIFTH", "5TH"}, {"SIXTH", "6TH"}, {"SEVENTH", "7TH"}, {"EIGHTH", "8TH"},
	{"NINTH", "9TH"}, {"TENTH", "10TH"},
}

func alternation(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Longest-first so "SOUTH WEST" wins over "SOUTH".
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	escaped := make([]string, len(keys))
	for i, k := range keys {
		escaped[i] = regexp.QuoteMeta(k)
	}
	return strings.Join(escaped, "|")
}

var (
	// RE2 has no lookahead, so the directional pattern consumes the
	// delimiter after the match and the rewrite puts it back.
	reDirectional = regexp.MustCompile(`\b(?:` + alternation(directionals) + `)(?:[^A-Z0-9]|$)`)

	// Single-letter directional with a trailing period: "S." "N." "E." "W."
	reSingleDir = regexp.MustCompile(`\b([SNEW])\.`)

	reSuffix = regexp.MustCompile(`\b(?:` + alternation(suffixes) + `)\b\.?`)

	// Unit designators plus their following token, and stray "#<token>".
	reUnit = regexp.MustCompile(`\b(?:UNIT|APT|SUITE|STE|#|BLDG|BUILDING|FLOOR|FL|RM|ROOM)\s*[#.]?\s*\S*`)
	reHash = regexp.MustCompile(`#\s*\w+`)

	// Trailing ", CITY, STATE, zip" tail; every part but the zip is optional.
	reCityStateZip = regexp.MustCompile(`,?\s*(?:SEATTLE)?\s*,?\s*(?:WA|WASHINGTON)?\s*,?\s*\d{5}(?:-\d{4})?\s*$`)

	// "1 ST" where a space crept in before the ordinal suffix.
	reSplitOrdinal = regexp.MustCompile(`\b(\d+)\s+(ST|ND|RD|TH)\b`)

	reOrdinalWords = func() []*regexp.Regexp {
		res := make([]*regexp.Regexp, len(ordinalWords))
		for i, ow := range ordinalWords {
			res[i] = regexp.MustCompile(`\b` + ow.word + `\b`)
		}
		return res
	}()

	reComma  = regexp.MustCompile(`,`)
	rePeriod = regexp.MustCompile(`\.`)
	reSpaces = regexp.MustCompile(`\s+`)
)

func isAlnum(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// Canonical normalizes a raw address to its canonical form. Returns the
// empty string when the input is empty or normalizes away entirely.
func Canonical(raw string) string {
	if raw == "" {
		return ""
	}

	addr := strings.TrimSpace(raw)
	addr = strings.ReplaceAll(addr, "\n", " ")
	addr = strings.ReplaceAll(addr, "\r", " ")

	// Pass 1 — clean up: uppercase, strip city/state/zip tail, units,
	// commas, extra whitespace.
	addr = strings.ToUpper(addr)
	addr = reCityStateZip.ReplaceAllString(addr, "")
	addr = reUnit.ReplaceAllString(addr, "")
	addr = reHash.ReplaceAllString(addr, " ")
	addr = reComma.ReplaceAllString(addr, " ")
	addr = strings.TrimSpace(reSpaces.ReplaceAllString(addr, " "))

	// Pass 2 — directionals, before stripping periods so "S.W." works.
	addr = reDirectional.ReplaceAllStringFunc(addr, func(m string) string {
		key, tail := m, ""
		if len(m) > 0 && !isAlnum(m[len(m)-1]) {
			key, tail = m[:len(m)-1], m[len(m)-1:]
		}
		if repl, ok := directionals[key]; ok {
			return repl + tail
		}
		if repl, ok := directionals[m]; ok {
			return repl
		}
		return m
	})
	addr = reSingleDir.ReplaceAllString(addr, "$1 ")

	// Pass 3 — street suffixes, tolerating a trailing period.
	addr = reSuffix.ReplaceAllStringFunc(addr, func(m string) string {
		if repl, ok := suffixes[strings.TrimSuffix(m, ".")]; ok {
			return repl
		}
		if repl, ok := suffixes[m]; ok {
			return repl
		}
		return m
	})

	// Remaining periods.
	addr = rePeriod.ReplaceAllString(addr, " ")

	// Pass 4 — ordinals. Words first, then rejoin split ordinals such as
	// "1 ST" -> "1ST". Must run after suffix rewriting so "ST" the suffix
	// and "1ST" the ordinal cannot interfere.
	for i, re := range reOrdinalWords {
		addr = re.ReplaceAllString(addr, ordinalWords[i].repl)
	}
	addr = reSplitOrdinal.ReplaceAllString(addr, "$1$2")

	return strings.TrimSpace(reSpaces.ReplaceAllString(addr, " "))
}
