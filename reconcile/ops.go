package reconcile

import "fmt"

// MergeOptions controls which copy survives a fingerprint collision.
type MergeOptions struct {
	// Priority ranks sources, best first. Sources not listed rank after all
	// listed ones, in argument order.
	Priority []string
}

func (o MergeOptions) rank(source string) int {
	for i, s := range o.Priority {
		if s == source {
			return i
		}
	}
	return len(o.Priority)
}

// Merge unions sets by fingerprint. The canonical message is the copy whose
// source ranks best, ties going to the earlier argument. Every other copy is
// kept as a duplicate. Merge(Merge(a, b), b) equals Merge(a, b).
func Merge(opts MergeOptions, sets ...*Set) (*Set, error) {
	for i, s := range sets {
		if s == nil {
			return nil, &ReconciliationError{Op: "merge", Err: fmt.Errorf("set %d: %w", i, ErrNilSet)}
		}
	}

	out := newSet()
	for _, s := range sets {
		for _, fp := range s.order {
			in := s.entries[fp]
			cur, ok := out.entries[fp]
			if !ok {
				out.put(in.clone())
				continue
			}
			out.entries[fp] = combine(opts, cur, in)
		}
	}
	return out, nil
}

// combine folds b into a, keeping a's canonical copy unless b's source ranks strictly better.
func combine(opts MergeOptions, a, b *Entry) *Entry {
	winner, loser := a, b
	if opts.rank(b.Source) < opts.rank(a.Source) {
		winner, loser = b, a
	}

	e := winner.clone()
	e.Sources = nil
	for _, src := range a.Sources {
		e.addSource(src)
	}
	for _, src := range b.Sources {
		e.addSource(src)
	}
	e.addDuplicate(Provenance{Source: loser.Source, MessageID: loser.Message.ID})
	for _, d := range loser.Duplicates {
		e.addDuplicate(d)
	}
	return e
}

// Diff partitions a and b by fingerprint membership. Entries present in both
// are merged with a taking precedence.
func Diff(a, b *Set) (onlyA, onlyB, both *Set, err error) {
	if a == nil || b == nil {
		return nil, nil, nil, &ReconciliationError{Op: "diff", Err: ErrNilSet}
	}

	onlyA, onlyB, both = newSet(), newSet(), newSet()
	for _, fp := range a.order {
		ea := a.entries[fp]
		if eb, ok := b.entries[fp]; ok {
			both.put(combine(MergeOptions{}, ea, eb))
			continue
		}
		onlyA.put(ea.clone())
	}
	for _, fp := range b.order {
		if !a.Has(fp) {
			onlyB.put(b.entries[fp].clone())
		}
	}
	return onlyA, onlyB, both, nil
}

// Filter returns the entries whose canonical message satisfies keep.
func Filter(s *Set, keep Predicate) (*Set, error) {
	if s == nil {
		return nil, &ReconciliationError{Op: "filter", Err: ErrNilSet}
	}
	if keep == nil {
		return nil, &ReconciliationError{Op: "filter", Err: fmt.Errorf("nil predicate")}
	}

	out := newSet()
	for _, fp := range s.order {
		e := s.entries[fp]
		if keep(e.Message) {
			out.put(e.clone())
		}
	}
	return out, nil
}
