// SPDX-License-Identifier: GPL-2.0-or-later

package recorder

// normalizer repairs input decode timestamps so they are strictly
// increasing over the lifetime of a connection. Its state is not
// reset when a new segment is opened.
type normalizer struct {
	// Unknown until the first packet is accepted.
	lastIn  int64
	hasLast bool
}

// normalize returns the repaired timestamps. Both must be known.
func (n *normalizer) normalize(dts int64, pts int64) (int64, int64) {
	if !n.hasLast {
		// Decode after presentation.
		if dts > pts {
			dts = pts
		}
		n.lastIn, n.hasLast = dts, true
		return dts, pts
	}

	next := n.lastIn + 1

	if dts > pts {
		m := median(pts, dts, next)
		dts, pts = m, m
	}

	if dts < next {
		if pts >= dts && pts < next {
			pts = next
		}
		dts = next
	}

	n.lastIn = dts
	return dts, pts
}

func median(a, b, c int64) int64 {
	if a > b {
		a, b = b, a
	}
	if b > c {
		b = c
	}
	if a > b {
		return a
	}
	return b
}
