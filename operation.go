package agency

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// OpKind identifies the mutation an Operation performs on a path.
type OpKind string

// Supported operation kinds.
const (
	OpSet       OpKind = "set"
	OpDelete    OpKind = "delete"
	OpIncrement OpKind = "increment"
	OpDecrement OpKind = "decrement"
	OpPush      OpKind = "push"
	OpPop       OpKind = "pop"
	OpPrepend   OpKind = "prepend"
	OpShift     OpKind = "shift"
	OpErase     OpKind = "erase"
	OpReplace   OpKind = "replace"
)

// Valid returns true if k is a known operation kind.
func (k OpKind) Valid() bool {
	switch k {
	case OpSet, OpDelete, OpIncrement, OpDecrement, OpPush, OpPop,
		OpPrepend, OpShift, OpErase, OpReplace:
		return true
	}
	return false
}

// Operation describes a single mutation of one path.
type Operation struct {
	Op   OpKind      `json:"op"`
	New  interface{} `json:"new,omitempty"`
	Step *float64    `json:"step,omitempty"`
	// Val selects the array elements matched by erase and replace.
	Val interface{} `json:"val,omitempty"`
	// Pos selects the array element removed by a positional erase.
	Pos *int `json:"pos,omitempty"`
}

// Set returns an operation that stores v at a path.
func Set(v interface{}) Operation { return Operation{Op: OpSet, New: v} }

// Delete returns an operation that removes a path and its children.
func Delete() Operation { return Operation{Op: OpDelete} }

// Increment returns an operation that adds step to a numeric value.
func Increment(step float64) Operation { return Operation{Op: OpIncrement, Step: &step} }

// Decrement returns an operation that subtracts step from a numeric value.
func Decrement(step float64) Operation { return Operation{Op: OpDecrement, Step: &step} }

// Push returns an operation that appends v to an array value.
func Push(v interface{}) Operation { return Operation{Op: OpPush, New: v} }

// Pop returns an operation that removes the last element of an array value.
func Pop() Operation { return Operation{Op: OpPop} }

// Prepend returns an operation that inserts v at the front of an array value.
func Prepend(v interface{}) Operation { return Operation{Op: OpPrepend, New: v} }

// Shift returns an operation that removes the first element of an array value.
func Shift() Operation { return Operation{Op: OpShift} }

// Erase returns an operation that removes every array element equal to v.
func Erase(v interface{}) Operation { return Operation{Op: OpErase, Val: v} }

// EraseAt returns an operation that removes the array element at pos.
func EraseAt(pos int) Operation { return Operation{Op: OpErase, Pos: &pos} }

// Replace returns an operation that substitutes v for every array element
// equal to old.
func Replace(old, v interface{}) Operation { return Operation{Op: OpReplace, Val: old, New: v} }

// StepOrDefault returns the operation step, defaulting to 1.
func (o Operation) StepOrDefault() float64 {
	if o.Step == nil {
		return 1
	}
	return *o.Step
}

// UnmarshalJSON accepts either an operation object ({"op":"set","new":1})
// or a bare value, which is shorthand for a set.
func (o *Operation) UnmarshalJSON(b []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err == nil {
		if raw, ok := fields["op"]; ok {
			var kind string
			if err := json.Unmarshal(raw, &kind); err == nil {
				type operation Operation
				var op operation
				if err := json.Unmarshal(b, &op); err != nil {
					return err
				}
				*o = Operation(op)
				if !o.Op.Valid() {
					return fmt.Errorf("unknown operation: %q", kind)
				}
				return nil
			}
		}
	}

	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*o = Set(v)
	return nil
}

// PathOperation pairs a path with the operation applied to it.
type PathOperation struct {
	Path string
	Operation
}

// OperationSet is an ordered mapping from path to operation. The operations
// of one set are applied atomically, in order.
type OperationSet []PathOperation

// NewOperationSet returns an operation set holding ops in the order given.
func NewOperationSet(ops ...PathOperation) OperationSet {
	return OperationSet(ops)
}

// Add appends an operation for path and returns the set.
func (s OperationSet) Add(path string, op Operation) OperationSet {
	return append(s, PathOperation{Path: path, Operation: op})
}

// Paths returns the paths touched by the set, in order.
func (s OperationSet) Paths() []string {
	a := make([]string, len(s))
	for i := range s {
		a[i] = s[i].Path
	}
	return a
}

// Validate returns an error if any operation is malformed.
func (s OperationSet) Validate() error {
	if len(s) == 0 {
		return ErrEmptyOperationSet
	}
	for _, op := range s {
		if !op.Op.Valid() {
			return invalidf("unknown operation %q on %q", op.Op, op.Path)
		}
		switch op.Op {
		case OpSet, OpPush, OpPrepend:
			if op.New == nil {
				return invalidf("operation %q on %q requires a value", op.Op, op.Path)
			}
		case OpErase:
			if (op.Val == nil) == (op.Pos == nil) {
				return invalidf("erase on %q requires exactly one of val or pos", op.Path)
			} else if op.Pos != nil && *op.Pos < 0 {
				return invalidf("erase on %q has negative position %d", op.Path, *op.Pos)
			}
		case OpReplace:
			if op.Val == nil || op.New == nil {
				return invalidf("replace on %q requires val and new", op.Path)
			}
		}
	}
	return nil
}

// MarshalJSON encodes the set as a JSON object whose key order follows the set.
func (s OperationSet) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, op := range s {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(op.Path)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(op.Operation)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object into the set, keeping key order.
func (s *OperationSet) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return err
	} else if tok == nil {
		*s = nil
		return nil
	} else if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("operation set must be a JSON object")
	}

	var set OperationSet
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		path, ok := tok.(string)
		if !ok {
			return fmt.Errorf("operation set key must be a string")
		}

		var op Operation
		if err := dec.Decode(&op); err != nil {
			return fmt.Errorf("operation on %q: %w", path, err)
		}
		set = append(set, PathOperation{Path: path, Operation: op})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*s = set
	return nil
}

// Precondition must hold on a path for a transaction to be applied.
type Precondition struct {
	// Old requires the current value to equal this value.
	Old interface{} `json:"old,omitempty"`
	// OldEmpty requires the path to be absent (true) or present (false).
	OldEmpty *bool `json:"oldEmpty,omitempty"`
	// IsArray requires the current value to be (or not be) an array.
	IsArray *bool `json:"isArray,omitempty"`
}

// Preconditions maps paths to the precondition checked on each of them.
type Preconditions map[string]Precondition

// OldEquals returns a precondition requiring the path to hold v.
func OldEquals(v interface{}) Precondition { return Precondition{Old: v} }

// OldEmpty returns a precondition requiring the path to be absent or present.
func OldEmpty(empty bool) Precondition { return Precondition{OldEmpty: &empty} }
