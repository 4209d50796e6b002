package keyword

import (
	"fmt"
	"iter"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// Rule maps a trigger phrase to the event name sent downstream when the phrase is heard.
type Rule struct {
	Phrase string
	Event  string
}

// Detector scans finalized transcript text for configured phrases.
// Rules are matched in table order; the table is immutable after construction.
type Detector struct {
	rules []compiledRule
}

type compiledRule struct {
	needle string
	event  string
}

func NewDetector(rules []Rule) *Detector {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		needle := normalize(r.Phrase)
		if needle == "" || r.Event == "" {
			continue
		}
		compiled = append(compiled, compiledRule{needle: needle, event: r.Event})
	}
	return &Detector{rules: compiled}
}

// Check yields each event whose phrase occurs in text and which has not fired yet for fired.
// Marking happens as the sequence is consumed, so a partially consumed sequence only marks what it yielded.
func (d *Detector) Check(fired *FiredSet, text string) iter.Seq[string] {
	return func(yield func(string) bool) {
		haystack := normalize(text)
		if haystack == "" {
			return
		}
		for _, r := range d.rules {
			if !strings.Contains(haystack, r.needle) {
				continue
			}
			if !fired.MarkIfAbsent(r.event) {
				continue
			}
			if !yield(r.event) {
				return
			}
		}
	}
}

func (d *Detector) Events() []string {
	out := make([]string, 0, len(d.rules))
	for _, r := range d.rules {
		out = append(out, r.event)
	}
	return out
}

// Vietnamese input arrives both precomposed and decomposed; NFC keeps "chào" comparable either way.
func normalize(s string) string {
	return strings.ToLower(norm.NFC.String(strings.TrimSpace(s)))
}

// FiredSet records which events already fired for one customer. It only grows.
type FiredSet struct {
	mu     sync.Mutex
	events map[string]struct{}
	order  []string
}

func NewFiredSet() *FiredSet {
	return &FiredSet{events: make(map[string]struct{})}
}

// MarkIfAbsent inserts event and reports whether this call inserted it.
func (f *FiredSet) MarkIfAbsent(event string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.events[event]; ok {
		return false
	}
	f.events[event] = struct{}{}
	f.order = append(f.order, event)
	return true
}

func (f *FiredSet) Has(event string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.events[event]
	return ok
}

// Snapshot returns fired events in firing order.
func (f *FiredSet) Snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.order))
	copy(out, f.order)
	return out
}

// ParseRules reads "phrase=EVENT" pairs separated by commas, keeping their order.
func ParseRules(raw string) ([]Rule, error) {
	var rules []Rule
	seen := make(map[string]struct{})
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		phrase, event, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("keyword rule %q must be in phrase=EVENT form", pair)
		}
		phrase = strings.TrimSpace(phrase)
		event = strings.TrimSpace(event)
		if phrase == "" || event == "" {
			return nil, fmt.Errorf("keyword rule %q has an empty phrase or event", pair)
		}
		key := normalize(phrase)
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("keyword phrase %q is configured more than once", phrase)
		}
		seen[key] = struct{}{}
		rules = append(rules, Rule{Phrase: phrase, Event: event})
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("at least one keyword rule is required")
	}
	return rules, nil
}
