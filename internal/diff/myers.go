package diff

// OpKind classifies a line in an edit script.
type OpKind int

const (
	Equal  OpKind = iota // line is unchanged between a and b
	Insert               // line is present in b only
	Delete               // line is present in a only
)

// Op is a single operation in an edit script produced by Lines.
type Op struct {
	Kind OpKind
	Line string
}

// maxEditDistance bounds the Myers search. Beyond it the remaining
// middle section is reported as a whole delete followed by a whole insert,
// which keeps memory at O(maxEditDistance^2).
const maxEditDistance = 2000

// Lines computes the shortest edit script transforming a into b with the
// Myers algorithm, after trimming the common prefix and suffix.
func Lines(a, b []string) []Op {
	prefix := 0
	for prefix < len(a) && prefix < len(b) && a[prefix] == b[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(a)-prefix && suffix < len(b)-prefix && a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		suffix++
	}

	ops := make([]Op, 0, len(a)+len(b))
	for _, l := range a[:prefix] {
		ops = append(ops, Op{Kind: Equal, Line: l})
	}
	ops = append(ops, myers(a[prefix:len(a)-suffix], b[prefix:len(b)-suffix])...)
	for _, l := range a[len(a)-suffix:] {
		ops = append(ops, Op{Kind: Equal, Line: l})
	}
	return ops
}

func myers(a, b []string) []Op {
	n, m := len(a), len(b)
	if n == 0 || m == 0 {
		return replaceAll(a, b)
	}
	max := n + m
	offset := max
	v := make([]int, 2*max+2)
	// trace[d] holds v[offset-d .. offset+d] as it was before step d.
	var trace [][]int

	for d := 0; d <= max; d++ {
		if d > maxEditDistance {
			return replaceAll(a, b)
		}
		snap := make([]int, 2*d+1)
		copy(snap, v[offset-d:offset+d+1])
		trace = append(trace, snap)

		for k := -d; k <= d; k += 2 {
			var x int
			if k == -d || (k != d && v[offset+k-1] < v[offset+k+1]) {
				x = v[offset+k+1]
			} else {
				x = v[offset+k-1] + 1
			}
			y := x - k
			for x < n && y < m && a[x] == b[y] {
				x++
				y++
			}
			v[offset+k] = x
			if x >= n && y >= m {
				return backtrack(trace, a, b, d)
			}
		}
	}
	return replaceAll(a, b)
}

// backtrack walks the saved frontiers from (n, m) back to the origin.
func backtrack(trace [][]int, a, b []string, dFinal int) []Op {
	x, y := len(a), len(b)
	var rev []Op
	for d := dFinal; d > 0; d-- {
		prev := trace[d] // frontier after step d-1, indexed k+d-1 ... stored with width 2d+1
		at := func(k int) int { return prev[k+d] }
		k := x - y
		var prevK int
		if k == -d || (k != d && at(k-1) < at(k+1)) {
			prevK = k + 1
		} else {
			prevK = k - 1
		}
		prevX := at(prevK)
		prevY := prevX - prevK
		for x > prevX && y > prevY {
			x--
			y--
			rev = append(rev, Op{Kind: Equal, Line: a[x]})
		}
		if prevK == k-1 {
			x--
			rev = append(rev, Op{Kind: Delete, Line: a[x]})
		} else {
			y--
			rev = append(rev, Op{Kind: Insert, Line: b[y]})
		}
	}
	for x > 0 && y > 0 {
		x--
		y--
		rev = append(rev, Op{Kind: Equal, Line: a[x]})
	}
	for i, j := 0, len(rev)-1; i < j; i, j = i+1, j-1 {
		rev[i], rev[j] = rev[j], rev[i]
	}
	return rev
}

func replaceAll(a, b []string) []Op {
	ops := make([]Op, 0, len(a)+len(b))
	for _, l := range a {
		ops = append(ops, Op{Kind: Delete, Line: l})
	}
	for _, l := range b {
		ops = append(ops, Op{Kind: Insert, Line: l})
	}
	return ops
}
