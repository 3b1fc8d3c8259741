package reconcile

import "strings"

// overlap finds the longest n, between minWords and the configured window,
// for which the last n words of a equal the first n words of b ignoring case
// and the matched text is longer than MinOverlapChars.
func (p Params) overlap(a, b []string, minWords int) (int, bool) {
	window := min(len(a), len(b), p.MaxOverlapWords)
	for n := window; n >= minWords && n > 0; n-- {
		if !wordsEqualFold(a[len(a)-n:], b[:n]) {
			continue
		}
		if runeLen(strings.Join(b[:n], " ")) > p.MinOverlapChars {
			return n, true
		}
	}
	return 0, false
}

// Merge joins two independent transcript fragments, dropping the part of
// incoming that repeats the tail of existing. When no relation is found the
// fragments are concatenated: losing speech is worse than repeating it.
func (p Params) Merge(existing, incoming string) string {
	p = p.withDefaults()

	in := strings.TrimSpace(incoming)
	if strings.TrimSpace(existing) == "" {
		return in
	}
	if in == "" {
		return existing
	}

	existingWords := strings.Fields(existing)
	incomingWords := strings.Fields(in)

	if n, ok := p.overlap(existingWords, incomingWords, 1); ok {
		return appendWords(existing, incomingWords[n:])
	}

	foldedExisting := fold(strings.TrimSpace(existing))
	foldedIncoming := fold(in)
	if foldedExisting == foldedIncoming && runeLen(foldedIncoming) > p.DuplicateMinChars {
		return existing
	}
	if runeLen(foldedIncoming) > p.ContainedMinChars && strings.Contains(foldedExisting, foldedIncoming) {
		return existing
	}

	n := p.FallbackOverlapWords
	if len(existingWords) >= n && len(incomingWords) >= n &&
		wordsEqualFold(existingWords[len(existingWords)-n:], incomingWords[:n]) &&
		runeLen(strings.Join(incomingWords[:n], " ")) > p.MinOverlapChars {
		return appendWords(existing, incomingWords[n:])
	}

	return appendText(existing, in)
}

// ExtractNewText returns the part of a cumulative result newFull that was not
// already covered by previous. An empty return means no relation could be
// established (or nothing is new); callers decide how to handle that.
func (p Params) ExtractNewText(previous, newFull string) string {
	text, _ := p.extract(previous, newFull)
	return text
}

// extract is ExtractNewText plus whether newFull separates the new text from
// the covered part with whitespace. A false separator means the new text
// continues the last word, as with added punctuation.
func (p Params) extract(previous, newFull string) (string, bool) {
	p = p.withDefaults()

	prev := strings.TrimSpace(previous)
	full := strings.TrimSpace(newFull)
	foldedPrev := fold(prev)
	foldedFull := fold(full)

	if foldedPrev == foldedFull {
		return "", true
	}

	prevLen := runeLen(foldedPrev)
	if prevLen > p.PrefixMinChars && strings.HasPrefix(foldedFull, foldedPrev) {
		return splitAt(full, prevLen)
	}

	fullWords := strings.Fields(full)
	if n, ok := p.overlap(strings.Fields(prev), fullWords, p.MinExtractOverlapWords); ok {
		return strings.Join(fullWords[n:], " "), true
	}

	if prevLen > p.SubstringMinChars {
		if idx := strings.Index(foldedFull, foldedPrev); idx > 0 {
			return splitAt(full, runeLen(foldedFull[:idx])+prevLen)
		}
	}
	return "", true
}

// Merge applies Params.Merge with the default heuristics.
func Merge(existing, incoming string) string {
	return DefaultParams().Merge(existing, incoming)
}

// ExtractNewText applies Params.ExtractNewText with the default heuristics.
func ExtractNewText(previous, newFull string) string {
	return DefaultParams().ExtractNewText(previous, newFull)
}
