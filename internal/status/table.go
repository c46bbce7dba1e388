package status

// Table is an adjacency list of legal transitions. Sub-lifecycles (the
// kernel's, for instance) declare their own Table and check it alongside the
// unified one.
type Table[S comparable] map[S][]S

// Allows reports whether from -> to is listed. Unknown sources allow nothing.
func (t Table[S]) Allows(from, to S) bool {
	allowed, ok := t[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s is known and has no outgoing edges.
func (t Table[S]) Terminal(s S) bool {
	next, ok := t[s]
	return ok && len(next) == 0
}

// SubsetOf reports whether every edge of t also appears in other. Used to keep
// derived lifecycles honest against the unified table.
func (t Table[S]) SubsetOf(other Table[S]) bool {
	for from, tos := range t {
		for _, to := range tos {
			if !other.Allows(from, to) {
				return false
			}
		}
	}
	return true
}
