package models

import id "cartkeep/pkg/domain"

// MaxLineQuantity is the default per-line quantity ceiling.
const MaxLineQuantity = 10

// Line is one product reference and its quantity within a cart.
// Invariant: 1 <= Quantity <= the cart's per-line maximum.
type Line struct {
	ProductRef id.ProductRef
	Quantity   int
}

// Clamp bounds qty to [0, max].
func Clamp(qty, max int) int {
	if qty < 0 {
		return 0
	}
	if qty > max {
		return max
	}
	return qty
}

// MergeLines consolidates add into base. Quantities for the same product are
// summed and clamped to max; lines only present on one side pass through.
// Order is stable: base lines first, then new products in add order.
//
// This is the single consolidation rule used both for AddLine (add is one
// line) and for guest-into-account merges.
func MergeLines(base, add []Line, max int) []Line {
	out := make([]Line, 0, len(base)+len(add))
	index := make(map[id.ProductRef]int, len(base)+len(add))
	for _, l := range base {
		if i, ok := index[l.ProductRef]; ok {
			out[i].Quantity = Clamp(out[i].Quantity+l.Quantity, max)
			continue
		}
		index[l.ProductRef] = len(out)
		out = append(out, Line{ProductRef: l.ProductRef, Quantity: Clamp(l.Quantity, max)})
	}
	for _, l := range add {
		if l.Quantity <= 0 {
			continue
		}
		if i, ok := index[l.ProductRef]; ok {
			out[i].Quantity = Clamp(out[i].Quantity+l.Quantity, max)
			continue
		}
		index[l.ProductRef] = len(out)
		out = append(out, Line{ProductRef: l.ProductRef, Quantity: Clamp(l.Quantity, max)})
	}
	return compact(out)
}

// SetQuantity sets ref to qty. qty <= 0 removes the line, qty > max clamps,
// and an absent ref is appended.
func SetQuantity(lines []Line, ref id.ProductRef, qty, max int) []Line {
	if qty <= 0 {
		return RemoveLine(lines, ref)
	}
	out := CloneLines(lines)
	for i := range out {
		if out[i].ProductRef == ref {
			out[i].Quantity = Clamp(qty, max)
			return out
		}
	}
	return append(out, Line{ProductRef: ref, Quantity: Clamp(qty, max)})
}

// RemoveLine drops ref if present.
func RemoveLine(lines []Line, ref id.ProductRef) []Line {
	out := make([]Line, 0, len(lines))
	for _, l := range lines {
		if l.ProductRef != ref {
			out = append(out, l)
		}
	}
	return out
}

// Delta returns, per product, how much now exceeds before. Products whose
// quantity dropped or vanished contribute nothing.
func Delta(now, before []Line) []Line {
	prev := make(map[id.ProductRef]int, len(before))
	for _, l := range before {
		prev[l.ProductRef] += l.Quantity
	}
	var out []Line
	for _, l := range now {
		if d := l.Quantity - prev[l.ProductRef]; d > 0 {
			out = append(out, Line{ProductRef: l.ProductRef, Quantity: d})
		}
	}
	return out
}

// CloneLines copies a line slice.
func CloneLines(lines []Line) []Line {
	if lines == nil {
		return nil
	}
	out := make([]Line, len(lines))
	copy(out, lines)
	return out
}

// EqualLines compares two line sets ignoring order.
func EqualLines(a, b []Line) bool {
	if len(a) != len(b) {
		return false
	}
	qty := make(map[id.ProductRef]int, len(a))
	for _, l := range a {
		qty[l.ProductRef] = l.Quantity
	}
	for _, l := range b {
		if q, ok := qty[l.ProductRef]; !ok || q != l.Quantity {
			return false
		}
	}
	return true
}

func compact(lines []Line) []Line {
	out := lines[:0]
	for _, l := range lines {
		if l.Quantity > 0 {
			out = append(out, l)
		}
	}
	return out
}
