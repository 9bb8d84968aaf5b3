package ot

// Transform rewrites pending so that applying it after against yields the
// edit pending intended when both were issued against the same content.
//
// An insert at the same position as a committed insert lands after it.
// A delete range that overlaps a committed delete shrinks to the part that
// is still present, and an insert inside a committed delete range collapses
// to the start of that range.
func Transform(against, pending Op) Op {
	switch against.Kind {
	case Insert:
		if against.Position <= pending.Position {
			pending.Position += against.Len()
		}
	case Delete:
		if pending.Kind == Delete {
			return transformDeleteDelete(against, pending)
		}
		if against.Position < pending.Position {
			pending.Position -= minInt(against.Length, pending.Position-against.Position)
		}
	}
	return pending
}

// TransformAll folds pending through committed, oldest first.
func TransformAll(committed []Op, pending Op) Op {
	for _, op := range committed {
		pending = Transform(op, pending)
	}
	return pending
}

func transformDeleteDelete(a, p Op) Op {
	aEnd, pEnd := a.Position+a.Length, p.Position+p.Length
	switch {
	case aEnd <= p.Position:
		p.Position -= a.Length
	case pEnd <= a.Position:
	default:
		// Ranges overlap; keep only what a did not already remove.
		overlap := minInt(aEnd, pEnd) - maxInt(a.Position, p.Position)
		p.Position = minInt(a.Position, p.Position)
		p.Length -= overlap
	}
	return p
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
