package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Preset is an enumerated set of text-normalization flags. Presets make
// transcripts from heterogeneous providers comparable: providers disagree on
// punctuation and casing far more often than on words.
type Preset struct {
	// NFKC applies Unicode NFKC normalization (full-width forms, ligatures).
	NFKC bool

	// StripPunct removes punctuation and symbol runes.
	StripPunct bool

	// StripSpace removes all whitespace. Used for character-error-rate style
	// comparison of languages written without word separators.
	StripSpace bool

	// Lowercase folds the text to lower case.
	Lowercase bool
}

// PresetByName resolves a preset id from the session config.
//
//	"wer" → NFKC + StripPunct + Lowercase (word-error-rate comparison)
//	"cer" → NFKC + StripPunct            (character-error-rate comparison)
//	""    → identity plus trim
//
// Unknown names resolve to the identity preset.
func PresetByName(name string) Preset {
	switch name {
	case "wer":
		return Preset{NFKC: true, StripPunct: true, Lowercase: true}
	case "cer":
		return Preset{NFKC: true, StripPunct: true}
	default:
		return Preset{}
	}
}

// Apply normalizes text under the preset and reports which transformations
// actually changed something. Whitespace is always collapsed and trimmed so
// punctuation removal does not leave doubled spaces.
func (p Preset) Apply(text string) (out string, punctApplied, caseApplied bool) {
	out = text
	if p.NFKC {
		out = norm.NFKC.String(out)
	}
	if p.StripPunct {
		stripped := strings.Map(func(r rune) rune {
			if unicode.IsPunct(r) || unicode.IsSymbol(r) {
				return -1
			}
			return r
		}, out)
		punctApplied = stripped != out
		out = stripped
	}
	if p.Lowercase {
		lowered := strings.ToLower(out)
		caseApplied = lowered != out
		out = lowered
	}
	if p.StripSpace {
		out = strings.Join(strings.Fields(out), "")
	} else {
		out = strings.Join(strings.Fields(out), " ")
	}
	return out, punctApplied, caseApplied
}
