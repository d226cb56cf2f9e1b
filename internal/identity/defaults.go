package identity

// GroupWrite describes a pending write to a resource group's default flag.
type GroupWrite struct {
	// Requested is the is_default value supplied by the caller; nil when unset.
	Requested *bool
	// Insert is true for a new group, false for an update.
	Insert bool
	// OtherDefaults counts the other groups of the same (user, client)
	// currently marked default, read inside the write's transaction.
	OtherDefaults int
}

// DefaultDecision is the outcome of ResolveDefault.
type DefaultDecision struct {
	IsDefault    bool
	DemoteOthers bool
	// Forced is set when the group became default although the caller did
	// not ask for it.
	Forced bool
}

// ResolveDefault restores the "exactly one default group per (user, client)"
// invariant for a single group write.
func ResolveDefault(w GroupWrite) (DefaultDecision, error) {
	if w.Requested != nil && *w.Requested {
		return DefaultDecision{IsDefault: true, DemoteOthers: true}, nil
	}
	if w.OtherDefaults > 0 {
		return DefaultDecision{IsDefault: false}, nil
	}
	if w.Insert {
		return DefaultDecision{IsDefault: true, Forced: true}, nil
	}
	return DefaultDecision{}, ErrCannotRemoveOnlyDefault
}

// PickSuccessor chooses the group promoted to default when the current
// default is deleted: the oldest remaining one. Returns false when no
// candidate is left.
func PickSuccessor(remaining []ResourceGroup) (ResourceGroup, bool) {
	if len(remaining) == 0 {
		return ResourceGroup{}, false
	}
	best := remaining[0]
	for _, g := range remaining[1:] {
		if g.CreatedAt.Before(best.CreatedAt) || (g.CreatedAt.Equal(best.CreatedAt) && g.GroupKey < best.GroupKey) {
			best = g
		}
	}
	return best, true
}

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }
