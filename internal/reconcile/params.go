// Package reconcile stitches successive speech-to-text results into a single
// growing transcript.
package reconcile

// Params holds the overlap heuristics used when stitching transcripts.
// Character thresholds are counted in runes and compared with a strict
// greater-than.
type Params struct {
	// MaxOverlapWords bounds the suffix/prefix window searched for overlaps.
	MaxOverlapWords int
	// MinOverlapChars is the length the matched overlap text must exceed.
	MinOverlapChars int
	// MinExtractOverlapWords is the shortest word overlap accepted when
	// extracting new text from a cumulative result.
	MinExtractOverlapWords int
	// DuplicateMinChars is the length an exact duplicate must exceed to be
	// dropped by Merge.
	DuplicateMinChars int
	// ContainedMinChars is the length an incoming fragment must exceed to be
	// dropped by Merge when it already appears in the existing text.
	ContainedMinChars int
	// FallbackOverlapWords is the fixed window of the last-chance overlap check.
	FallbackOverlapWords int
	// PrefixMinChars is the length the previous text must exceed before a
	// plain prefix match is trusted.
	PrefixMinChars int
	// SubstringMinChars is the length the previous text must exceed before an
	// embedded occurrence inside the new text is trusted.
	SubstringMinChars int
}

func DefaultParams() Params {
	return Params{
		MaxOverlapWords:        15,
		MinOverlapChars:        10,
		MinExtractOverlapWords: 3,
		DuplicateMinChars:      20,
		ContainedMinChars:      15,
		FallbackOverlapWords:   5,
		PrefixMinChars:         10,
		SubstringMinChars:      20,
	}
}

// withDefaults replaces non-positive windows with the defaults. Character
// thresholds may legitimately be zero and are only reset when negative.
func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.MaxOverlapWords <= 0 {
		p.MaxOverlapWords = d.MaxOverlapWords
	}
	if p.MinExtractOverlapWords <= 0 {
		p.MinExtractOverlapWords = d.MinExtractOverlapWords
	}
	if p.FallbackOverlapWords <= 0 {
		p.FallbackOverlapWords = d.FallbackOverlapWords
	}
	if p.MinOverlapChars < 0 {
		p.MinOverlapChars = d.MinOverlapChars
	}
	if p.DuplicateMinChars < 0 {
		p.DuplicateMinChars = d.DuplicateMinChars
	}
	if p.ContainedMinChars < 0 {
		p.ContainedMinChars = d.ContainedMinChars
	}
	if p.PrefixMinChars < 0 {
		p.PrefixMinChars = d.PrefixMinChars
	}
	if p.SubstringMinChars < 0 {
		p.SubstringMinChars = d.SubstringMinChars
	}
	return p
}
