package reconcile

import "strings"

// Step describes the effect of one result on the display transcript.
type Step struct {
	Display  string
	Appended string
	Replaced bool
}

// Changed reports whether the step altered the display transcript.
func (s Step) Changed() bool {
	return s.Appended != "" || s.Replaced
}

// Option customises a Reconciler.
type Option func(*Reconciler)

// WithShrinkGuard makes the reconciler ignore wholesale replacements that
// would shorten the display transcript.
func WithShrinkGuard(enabled bool) Option {
	return func(r *Reconciler) {
		r.guardShrink = enabled
	}
}

// Reconciler owns the display transcript of one recording session. It is not
// safe for concurrent use; the owning session serialises access.
type Reconciler struct {
	params      Params
	guardShrink bool

	display string
	last    string
	seen    bool
}

func New(params Params, opts ...Option) *Reconciler {
	r := &Reconciler{params: params.withDefaults()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply folds a cumulative result (everything decoded since the session
// started) into the display transcript.
func (r *Reconciler) Apply(cumulative string) Step {
	if !r.seen {
		r.seen = true
		r.display = cumulative
		r.last = cumulative
		return Step{Display: r.display, Replaced: true}
	}

	added, spaced := r.params.extract(r.last, cumulative)
	r.last = cumulative
	if added != "" {
		r.display = joinText(r.display, added, spaced)
		return Step{Display: r.display, Appended: added}
	}

	// No incremental relation: the latest cumulative result wins.
	if r.guardShrink && runeLen(strings.TrimSpace(cumulative)) < runeLen(strings.TrimSpace(r.display)) {
		return Step{Display: r.display}
	}
	replaced := r.display != cumulative
	r.display = cumulative
	return Step{Display: r.display, Replaced: replaced}
}

// Append merges an independent fragment (a result covering only new audio)
// into the display transcript.
func (r *Reconciler) Append(fragment string) Step {
	before := r.display
	merged := r.params.Merge(before, fragment)
	r.seen = true
	r.last = fragment
	if merged == before {
		return Step{Display: before}
	}
	r.display = merged

	base := strings.TrimRight(before, " \t\r\n")
	if strings.HasPrefix(merged, base) {
		return Step{Display: merged, Appended: strings.TrimSpace(merged[len(base):])}
	}
	return Step{Display: merged, Replaced: true}
}

func (r *Reconciler) Display() string {
	return r.display
}

func (r *Reconciler) WordCount() int {
	return WordCount(r.display)
}

// Reset forgets the display transcript and the last cumulative result.
func (r *Reconciler) Reset() {
	r.display = ""
	r.last = ""
	r.seen = false
}
