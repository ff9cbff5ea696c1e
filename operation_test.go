package agency_test

import (
	"encoding/json"
	"testing"

	"github.com/influxdata/agency"
	"github.com/influxdata/agency/kit/platform/errors"
	"github.com/stretchr/testify/require"
)

func TestOperationSet_JSONOrder(t *testing.T) {
	var set agency.OperationSet
	err := json.Unmarshal([]byte(`{
		"/z": {"op": "set", "new": 1},
		"/a": {"op": "delete"},
		"/m": 14,
		"/n": {"op": "increment", "step": 5},
		"/o": {"nested": {"op": 3}}
	}`), &set)
	require.NoError(t, err)
	require.Equal(t, []string{"/z", "/a", "/m", "/n", "/o"}, set.Paths())
	require.Equal(t, agency.OpSet, set[0].Op)
	require.Equal(t, agency.OpDelete, set[1].Op)
	require.Equal(t, agency.OpSet, set[2].Op)
	require.Equal(t, 14.0, set[2].New)
	require.Equal(t, 5.0, set[3].StepOrDefault())
	require.Equal(t, agency.OpSet, set[4].Op)

	b, err := json.Marshal(set)
	require.NoError(t, err)
	var again agency.OperationSet
	require.NoError(t, json.Unmarshal(b, &again))
	require.Equal(t, set.Paths(), again.Paths())
}

func TestOperationSet_UnknownOp(t *testing.T) {
	var set agency.OperationSet
	require.Error(t, json.Unmarshal([]byte(`{"/a": {"op": "explode"}}`), &set))
}

func TestOperationSet_Validate(t *testing.T) {
	require.Equal(t, errors.EInvalid, errors.ErrorCode(agency.OperationSet{}.Validate()))
	require.Error(t, agency.OperationSet{}.Add("a", agency.Operation{Op: agency.OpSet}).Validate())
	require.NoError(t, agency.OperationSet{}.Add("a", agency.Delete()).Add("b", agency.Pop()).Validate())
}

func TestOperationSet_ValidateArrayOps(t *testing.T) {
	for _, tt := range []struct {
		name string
		op   agency.Operation
		ok   bool
	}{
		{name: "prepend", op: agency.Prepend(1), ok: true},
		{name: "prepend without value", op: agency.Operation{Op: agency.OpPrepend}},
		{name: "shift", op: agency.Shift(), ok: true},
		{name: "erase by value", op: agency.Erase(3), ok: true},
		{name: "erase by position", op: agency.EraseAt(0), ok: true},
		{name: "erase negative position", op: agency.EraseAt(-1)},
		{name: "erase without selector", op: agency.Operation{Op: agency.OpErase}},
		{name: "erase with both selectors", op: agency.Operation{Op: agency.OpErase, Val: 1, Pos: new(int)}},
		{name: "replace", op: agency.Replace(1, "one"), ok: true},
		{name: "replace without new", op: agency.Operation{Op: agency.OpReplace, Val: 1}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			err := agency.OperationSet{}.Add("a", tt.op).Validate()
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.Equal(t, errors.EInvalid, errors.ErrorCode(err))
		})
	}
}

func TestOperationSet_JSONArrayOps(t *testing.T) {
	var set agency.OperationSet
	require.NoError(t, json.Unmarshal([]byte(`{
		"/a": {"op": "erase", "pos": 3},
		"/b": {"op": "erase", "val": 0},
		"/c": {"op": "replace", "val": [1], "new": {"a": 0}},
		"/d": {"op": "shift"},
		"/e": {"op": "prepend", "new": "x"}
	}`), &set))
	require.NoError(t, set.Validate())

	require.Equal(t, agency.OpErase, set[0].Op)
	require.Equal(t, 3, *set[0].Pos)
	require.Nil(t, set[0].Val)
	require.Equal(t, 0.0, set[1].Val)
	require.Nil(t, set[1].Pos)
	require.Equal(t, []interface{}{1.0}, set[2].Val)
	require.Equal(t, map[string]interface{}{"a": 0.0}, set[2].New)
	require.Equal(t, agency.OpShift, set[3].Op)
	require.Equal(t, "x", set[4].New)

	b, err := json.Marshal(agency.OperationSet{}.Add("a", agency.EraseAt(0)))
	require.NoError(t, err)
	require.JSONEq(t, `{"a":{"op":"erase","pos":0}}`, string(b))
}

func TestSplitPath(t *testing.T) {
	require.Equal(t, []string{"arango", "test5"}, agency.SplitPath("arango/test5"))
	require.Equal(t, []string{"a", "b"}, agency.SplitPath("//a///b/"))
	require.Empty(t, agency.SplitPath("/"))
	require.Equal(t, "/a/b", agency.NormalizePath("a//b/"))
	require.Equal(t, "/", agency.NormalizePath(""))
}
