// Package verifier compares shard revision trees and repairs the ones that
// diverge from their document source.
package verifier

import (
	"context"
	"fmt"

	"github.com/influxdata/agency/kit/platform/errors"
	"github.com/influxdata/agency/revtree"
)

// maxVerifyAttempts bounds how often a comparison is retried when one of the
// trees changes while it is being walked.
const maxVerifyAttempts = 3

var (
	// ErrNotReady is returned when a tree still has pending updates or needs
	// a rebuild. Comparing it would report lag as divergence.
	ErrNotReady = &errors.Error{Code: errors.EUnavailable, Msg: "revision tree is not ready"}

	// ErrShapeMismatch is returned when comparing trees of different shape.
	ErrShapeMismatch = &errors.Error{Code: errors.EInvalid, Msg: "revision trees have different shapes"}
)

// Range is an inclusive range of leaf buckets.
type Range struct {
	Low  int `json:"low"`
	High int `json:"high"`
}

// Contains reports whether bucket falls within r.
func (r Range) Contains(bucket int) bool {
	return bucket >= r.Low && bucket <= r.High
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d]", r.Low, r.High)
}

// Result is the outcome of comparing two trees.
type Result struct {
	Equal     bool    `json:"equal"`
	Divergent []Range `json:"divergent,omitempty"`
	// Visited is the number of node pairs compared.
	Visited int `json:"visited"`
}

// Buckets returns the number of divergent buckets.
func (r Result) Buckets() int {
	var n int
	for _, rg := range r.Divergent {
		n += rg.High - rg.Low + 1
	}
	return n
}

// Verify compares a and b. Only subtrees whose hashes differ are descended
// into, so the cost follows the number of divergent buckets.
func Verify(a, b *revtree.Tree) (Result, error) {
	if a.Branching() != b.Branching() || a.Depth() != b.Depth() {
		return Result{}, ErrShapeMismatch
	}

	for attempt := 0; attempt < maxVerifyAttempts; attempt++ {
		if !a.Ready() || !b.Ready() {
			return Result{}, ErrNotReady
		}
		ga, gb := a.Generation(), b.Generation()

		var res Result
		w := walker{a: a, b: b, res: &res}
		w.compare(0, 0)
		res.Equal = len(res.Divergent) == 0

		if a.Generation() == ga && b.Generation() == gb {
			return res, nil
		}
	}
	return Result{}, ErrNotReady
}

type walker struct {
	a, b *revtree.Tree
	res  *Result
}

func (w *walker) compare(level, i int) {
	w.res.Visited++
	if w.a.Node(level, i) == w.b.Node(level, i) {
		return
	}
	if level == w.a.Depth() {
		w.add(i)
		return
	}
	n := w.a.Branching()
	for c := i * n; c < (i+1)*n; c++ {
		w.compare(level+1, c)
	}
}

// add records a divergent leaf. Leaves are visited in ascending order so
// adjacent buckets extend the last range.
func (w *walker) add(bucket int) {
	if n := len(w.res.Divergent); n > 0 && w.res.Divergent[n-1].High == bucket-1 {
		w.res.Divergent[n-1].High = bucket
		return
	}
	w.res.Divergent = append(w.res.Divergent, Range{Low: bucket, High: bucket})
}

// VerifySource compares tree with a reference built from src.
func VerifySource(ctx context.Context, tree *revtree.Tree, src revtree.DocumentSource) (Result, error) {
	c := revtree.NewConfig()
	c.Branching, c.Depth = tree.Branching(), tree.Depth()
	ref, err := revtree.FromSource(ctx, tree.ShardID(), c, src)
	if err != nil {
		return Result{}, err
	}
	return Verify(ref, tree)
}
