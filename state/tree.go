package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/google/btree"
	"github.com/influxdata/agency"
	"github.com/influxdata/agency/kit/platform/errors"
)

// btreeDegree is the degree of the child index of each branch.
const btreeDegree = 8

// node is either a leaf holding a JSON value or a branch holding children.
// Leaves are never mutated once inserted; updates replace the node.
type node struct {
	name     string
	value    interface{}
	children *btree.BTreeG[*node]
}

func lessNode(a, b *node) bool { return a.name < b.name }

func newBranch(name string) *node {
	return &node{name: name, children: btree.NewG(btreeDegree, lessNode)}
}

func (n *node) isBranch() bool { return n.children != nil }

func (n *node) child(name string) *node {
	if !n.isBranch() {
		return nil
	}
	c, _ := n.children.Get(&node{name: name})
	return c
}

// build converts a normalized JSON value into a node. Objects become branches.
func build(name string, v interface{}) *node {
	m, ok := v.(map[string]interface{})
	if !ok {
		return &node{name: name, value: v}
	}
	n := newBranch(name)
	for k, cv := range m {
		n.children.ReplaceOrInsert(build(k, cv))
	}
	return n
}

// toValue converts a node back into a JSON value.
func (n *node) toValue() interface{} {
	if !n.isBranch() {
		return n.value
	}
	m := make(map[string]interface{}, n.children.Len())
	n.children.Ascend(func(c *node) bool {
		m[c.name] = c.toValue()
		return true
	})
	return m
}

func (n *node) clone() *node {
	if !n.isBranch() {
		return &node{name: n.name, value: n.value}
	}
	other := newBranch(n.name)
	n.children.Ascend(func(c *node) bool {
		other.children.ReplaceOrInsert(c.clone())
		return true
	})
	return other
}

func (n *node) writeJSON(buf *bytes.Buffer) error {
	if !n.isBranch() {
		b, err := json.Marshal(n.value)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}

	buf.WriteByte('{')
	var err error
	first := true
	n.children.Ascend(func(c *node) bool {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		k, _ := json.Marshal(c.name)
		buf.Write(k)
		buf.WriteByte(':')
		err = c.writeJSON(buf)
		return err == nil
	})
	buf.WriteByte('}')
	return err
}

// Tree is the hierarchical key-value state of the agency. Paths are flat
// strings split on "/". A Tree is not safe for concurrent use; the Applier
// guards the live tree.
type Tree struct {
	root *node
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{root: newBranch("")}
}

// Get returns the value at path. Branches are returned as nested maps.
func (t *Tree) Get(path string) (interface{}, bool) {
	n := t.lookup(agency.SplitPath(path))
	if n == nil {
		return nil, false
	}
	return n.toValue(), true
}

// Has returns true if path exists.
func (t *Tree) Has(path string) bool {
	return t.lookup(agency.SplitPath(path)) != nil
}

// Keys returns the names of the children of path in ascending order.
func (t *Tree) Keys(path string) []string {
	n := t.lookup(agency.SplitPath(path))
	if n == nil || !n.isBranch() {
		return nil
	}
	keys := make([]string, 0, n.children.Len())
	n.children.Ascend(func(c *node) bool {
		keys = append(keys, c.name)
		return true
	})
	return keys
}

// Clone returns a deep copy of the tree.
func (t *Tree) Clone() *Tree {
	return &Tree{root: t.root.clone()}
}

// Equal returns true if both trees hold the same values.
func (t *Tree) Equal(other *Tree) bool {
	return reflect.DeepEqual(t.root.toValue(), other.root.toValue())
}

func (t *Tree) lookup(segs []string) *node {
	n := t.root
	for _, seg := range segs {
		if n = n.child(seg); n == nil {
			return nil
		}
	}
	return n
}

// Check returns ErrPreconditionFailed if any precondition does not hold.
// Paths are checked in ascending order, so the first failure reported is
// the same on every replica.
func (t *Tree) Check(pre agency.Preconditions) error {
	paths := make([]string, 0, len(pre))
	for path := range pre {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		p := pre[path]
		n := t.lookup(agency.SplitPath(path))
		if p.OldEmpty != nil && *p.OldEmpty != (n == nil) {
			return preconditionError(path, "oldEmpty")
		}
		if p.IsArray != nil {
			_, isArray := valueOf(n).([]interface{})
			if *p.IsArray != isArray {
				return preconditionError(path, "isArray")
			}
		}
		if p.Old != nil {
			want, err := normalize(p.Old)
			if err != nil {
				return err
			}
			if n == nil || !reflect.DeepEqual(n.toValue(), want) {
				return preconditionError(path, "old")
			}
		}
	}
	return nil
}

func preconditionError(path, kind string) error {
	return &errors.Error{
		Code: errors.EPrecondition,
		Msg:  fmt.Sprintf("precondition %s failed on %q", kind, path),
		Err:  agency.ErrPreconditionFailed,
	}
}

func valueOf(n *node) interface{} {
	if n == nil || n.isBranch() {
		return nil
	}
	return n.value
}

// Apply performs every operation of set in order. Either all operations take
// effect or, on error, the tree is left unchanged.
func (t *Tree) Apply(set agency.OperationSet) error {
	var u undoLog
	for _, op := range set {
		if err := t.apply(op, &u); err != nil {
			u.rollback(t)
			return err
		}
	}
	return nil
}

func (t *Tree) apply(op agency.PathOperation, u *undoLog) error {
	segs := agency.SplitPath(op.Path)

	switch op.Op {
	case agency.OpSet:
		v, err := normalize(op.New)
		if err != nil {
			return err
		}
		return t.replace(segs, v, u)

	case agency.OpDelete:
		if len(segs) == 0 {
			u.record(nil, t.root)
			t.root = newBranch("")
			return nil
		}
		parent := t.lookup(segs[:len(segs)-1])
		if parent == nil {
			return nil
		}
		if prev := parent.child(segs[len(segs)-1]); prev != nil {
			u.record(segs, prev)
			parent.children.Delete(prev)
		}
		return nil

	case agency.OpIncrement, agency.OpDecrement:
		step := op.StepOrDefault()
		if op.Op == agency.OpDecrement {
			step = -step
		}
		cur, _ := valueOf(t.lookup(segs)).(float64)
		return t.replace(segs, cur+step, u)

	case agency.OpPush:
		v, err := normalize(op.New)
		if err != nil {
			return err
		}
		cur, _ := valueOf(t.lookup(segs)).([]interface{})
		next := make([]interface{}, len(cur), len(cur)+1)
		copy(next, cur)
		return t.replace(segs, append(next, v), u)

	case agency.OpPrepend:
		v, err := normalize(op.New)
		if err != nil {
			return err
		}
		cur, _ := valueOf(t.lookup(segs)).([]interface{})
		next := make([]interface{}, 1, len(cur)+1)
		next[0] = v
		return t.replace(segs, append(next, cur...), u)

	case agency.OpPop, agency.OpShift:
		cur, ok := valueOf(t.lookup(segs)).([]interface{})
		if !ok || len(cur) == 0 {
			return nil
		}
		next := make([]interface{}, len(cur)-1)
		if op.Op == agency.OpPop {
			copy(next, cur)
		} else {
			copy(next, cur[1:])
		}
		return t.replace(segs, next, u)

	case agency.OpErase, agency.OpReplace:
		cur, ok := valueOf(t.lookup(segs)).([]interface{})
		if !ok {
			return nil
		}
		next, changed, err := rewriteArray(cur, op.Operation)
		if err != nil || !changed {
			return err
		}
		return t.replace(segs, next, u)
	}
	return &errors.Error{Code: errors.EInvalid, Msg: fmt.Sprintf("unknown operation %q on %q", op.Op, op.Path)}
}

// rewriteArray returns a copy of cur with the erase or replace op applied.
// cur itself is left untouched.
func rewriteArray(cur []interface{}, op agency.Operation) ([]interface{}, bool, error) {
	if op.Op == agency.OpErase && op.Pos != nil {
		pos := *op.Pos
		if pos < 0 || pos >= len(cur) {
			return nil, false, nil
		}
		next := make([]interface{}, 0, len(cur)-1)
		return append(append(next, cur[:pos]...), cur[pos+1:]...), true, nil
	}

	match, err := normalize(op.Val)
	if err != nil {
		return nil, false, err
	}
	var with interface{}
	if op.Op == agency.OpReplace {
		if with, err = normalize(op.New); err != nil {
			return nil, false, err
		}
	}

	next := make([]interface{}, 0, len(cur))
	changed := false
	for _, v := range cur {
		if !reflect.DeepEqual(v, match) {
			next = append(next, v)
			continue
		}
		changed = true
		if op.Op == agency.OpReplace {
			next = append(next, with)
		}
	}
	return next, changed, nil
}

// replace stores v at segs, creating or replacing intermediate branches.
func (t *Tree) replace(segs []string, v interface{}, u *undoLog) error {
	if len(segs) == 0 {
		if _, ok := v.(map[string]interface{}); !ok {
			return &errors.Error{Code: errors.EInvalid, Msg: "root must hold an object"}
		}
		u.record(nil, t.root)
		t.root = build("", v)
		return nil
	}

	parent := t.root
	for i, seg := range segs[:len(segs)-1] {
		c := parent.child(seg)
		if c == nil || !c.isBranch() {
			u.record(segs[:i+1], c)
			c = newBranch(seg)
			parent.children.ReplaceOrInsert(c)
		}
		parent = c
	}

	name := segs[len(segs)-1]
	u.record(segs, parent.child(name))
	parent.children.ReplaceOrInsert(build(name, v))
	return nil
}

// MarshalJSON encodes the tree with object keys in ascending order.
func (t *Tree) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := t.root.writeJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalJSON replaces the tree with the decoded object.
func (t *Tree) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	if v == nil {
		t.root = newBranch("")
		return nil
	}
	if _, ok := v.(map[string]interface{}); !ok {
		return &errors.Error{Code: errors.EInvalid, Msg: "tree must be a JSON object"}
	}
	t.root = build("", v)
	return nil
}

// normalize converts v into the form produced by decoding JSON so that
// values applied locally and values replayed from the log compare equal.
func normalize(v interface{}) (interface{}, error) {
	switch v := v.(type) {
	case nil, bool, string, float64:
		return v, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, &errors.Error{Code: errors.EInvalid, Msg: "value is not representable as JSON", Err: err}
	}
	var out interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// undoLog records the node previously found at each replaced path.
// Nodes are replaced, never mutated, so restoring the saved pointers in
// reverse order restores the tree exactly.
type undoLog []undoRecord

type undoRecord struct {
	segs []string
	prev *node
}

func (u *undoLog) record(segs []string, prev *node) {
	*u = append(*u, undoRecord{segs: append([]string(nil), segs...), prev: prev})
}

func (u undoLog) rollback(t *Tree) {
	for i := len(u) - 1; i >= 0; i-- {
		r := u[i]
		if len(r.segs) == 0 {
			t.root = r.prev
			continue
		}
		parent := t.lookup(r.segs[:len(r.segs)-1])
		if parent == nil || !parent.isBranch() {
			continue
		}
		if r.prev == nil {
			parent.children.Delete(&node{name: r.segs[len(r.segs)-1]})
		} else {
			parent.children.ReplaceOrInsert(r.prev)
		}
	}
}
