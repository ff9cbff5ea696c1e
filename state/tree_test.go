package state_test

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/influxdata/agency"
	"github.com/influxdata/agency/kit/platform/errors"
	"github.com/influxdata/agency/state"
	"github.com/stretchr/testify/require"
)

func TestTree_SetGet(t *testing.T) {
	tree := state.NewTree()
	require.NoError(t, tree.Apply(agency.OperationSet{}.
		Add("arango/test5", agency.Set("v5")).
		Add("/arango//plan/", agency.Set(map[string]interface{}{"version": 3}))))

	v, ok := tree.Get("arango/test5")
	require.True(t, ok)
	require.Equal(t, "v5", v)

	v, ok = tree.Get("arango/plan/version")
	require.True(t, ok)
	require.Equal(t, 3.0, v)

	got, _ := tree.Get("/")
	want := map[string]interface{}{
		"arango": map[string]interface{}{
			"test5": "v5",
			"plan":  map[string]interface{}{"version": 3.0},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected tree (-want +got):\n%s", diff)
	}
	require.Equal(t, []string{"plan", "test5"}, tree.Keys("arango"))
}

func TestTree_Delete(t *testing.T) {
	tree := state.NewTree()
	require.NoError(t, tree.Apply(agency.OperationSet{}.Add("a/b/c", agency.Set(1)).Add("a/d", agency.Set(2))))
	require.NoError(t, tree.Apply(agency.OperationSet{}.Add("a/b", agency.Delete()).Add("missing/path", agency.Delete())))

	require.False(t, tree.Has("a/b/c"))
	require.False(t, tree.Has("a/b"))
	require.True(t, tree.Has("a/d"))
}

func TestTree_SetReplacesLeafWithBranch(t *testing.T) {
	tree := state.NewTree()
	require.NoError(t, tree.Apply(agency.OperationSet{}.Add("a", agency.Set("leaf"))))
	require.NoError(t, tree.Apply(agency.OperationSet{}.Add("a/b", agency.Set(true))))

	v, _ := tree.Get("a")
	require.Equal(t, map[string]interface{}{"b": true}, v)
}

func TestTree_Arithmetic(t *testing.T) {
	tree := state.NewTree()
	require.NoError(t, tree.Apply(agency.OperationSet{}.
		Add("n", agency.Increment(1)).
		Add("n", agency.Increment(4)).
		Add("n", agency.Decrement(2)).
		Add("s", agency.Set("text")).
		Add("s", agency.Increment(1))))

	v, _ := tree.Get("n")
	require.Equal(t, 3.0, v)
	v, _ = tree.Get("s")
	require.Equal(t, 1.0, v)
}

func TestTree_PushPop(t *testing.T) {
	tree := state.NewTree()
	require.NoError(t, tree.Apply(agency.OperationSet{}.
		Add("q", agency.Push("a")).
		Add("q", agency.Push("b")).
		Add("q", agency.Push("c")).
		Add("q", agency.Pop()).
		Add("empty", agency.Pop())))

	v, _ := tree.Get("q")
	require.Equal(t, []interface{}{"a", "b"}, v)
	require.False(t, tree.Has("empty"))
}

func TestTree_ArrayOps(t *testing.T) {
	digits := []interface{}{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}

	for _, tt := range []struct {
		name string
		ops  agency.OperationSet
		want interface{} // nil when the path must stay absent
	}{
		{
			name: "prepend to array",
			ops:  agency.OperationSet{}.Add("a", agency.Set([]interface{}{1, 2, 3, "max"})).Add("a", agency.Prepend(3.5)),
			want: []interface{}{3.5, 1.0, 2.0, 3.0, "max"},
		},
		{
			name: "prepend to scalar",
			ops:  agency.OperationSet{}.Add("a", agency.Set(2.5)).Add("a", agency.Prepend(2.5)).Add("a", agency.Prepend(1.25)),
			want: []interface{}{1.25, 2.5},
		},
		{
			name: "prepend to missing",
			ops:  agency.OperationSet{}.Add("a/b", agency.Prepend("hello")),
			want: []interface{}{"hello"},
		},
		{
			name: "shift",
			ops:  agency.OperationSet{}.Add("a", agency.Set([]interface{}{"hello", "world"})).Add("a", agency.Shift()),
			want: []interface{}{"world"},
		},
		{
			name: "shift to empty",
			ops:  agency.OperationSet{}.Add("a", agency.Push(1)).Add("a", agency.Shift()),
			want: []interface{}{},
		},
		{
			name: "shift missing",
			ops:  agency.OperationSet{}.Add("a", agency.Shift()),
		},
		{
			name: "erase by value",
			ops: agency.OperationSet{}.Add("a", agency.Set(digits)).
				Add("a", agency.Erase(3)).
				Add("a", agency.Erase(3)).
				Add("a", agency.Erase(0)).
				Add("a", agency.Erase(9)),
			want: []interface{}{1.0, 2.0, 4.0, 5.0, 6.0, 7.0, 8.0},
		},
		{
			name: "erase every match",
			ops:  agency.OperationSet{}.Add("a", agency.Set([]interface{}{"x", 1, "x", "y"})).Add("a", agency.Erase("x")),
			want: []interface{}{1.0, "y"},
		},
		{
			name: "erase by position",
			ops: agency.OperationSet{}.Add("a", agency.Set(digits)).
				Add("a", agency.EraseAt(3)).
				Add("a", agency.EraseAt(0)).
				Add("a", agency.EraseAt(0)).
				Add("a", agency.EraseAt(2)).
				Add("a", agency.EraseAt(42)),
			want: []interface{}{2.0, 4.0, 6.0, 7.0, 8.0, 9.0},
		},
		{
			name: "erase missing",
			ops:  agency.OperationSet{}.Add("a", agency.Erase(1)).Add("b", agency.EraseAt(0)),
		},
		{
			name: "replace",
			ops: agency.OperationSet{}.Add("a", agency.Set(digits)).
				Add("a", agency.Replace(3, "three")).
				Add("a", agency.Replace(1, []interface{}{1})).
				Add("a", agency.Replace([]interface{}{1}, []interface{}{1, 2, 3})).
				Add("a", agency.Replace(4, []interface{}{1, 2, 3})).
				Add("a", agency.Replace([]interface{}{1, 2, 3}, map[string]interface{}{"a": 0})),
			want: []interface{}{0.0, map[string]interface{}{"a": 0.0}, 2.0, "three", map[string]interface{}{"a": 0.0}, 5.0, 6.0, 7.0, 8.0, 9.0},
		},
		{
			name: "replace missing",
			ops:  agency.OperationSet{}.Add("a", agency.Replace(1, 2)),
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			tree := state.NewTree()
			require.NoError(t, tree.Apply(tt.ops))

			path := tt.ops[0].Path
			v, ok := tree.Get(path)
			if tt.want == nil {
				require.False(t, ok, "unexpected value %v", v)
				return
			}
			require.True(t, ok)
			if diff := cmp.Diff(tt.want, v); diff != "" {
				t.Fatalf("unexpected %s (-want +got):\n%s", path, diff)
			}
		})
	}
}

// Ensure array rewrites copy the stored array so clones are unaffected.
func TestTree_ArrayOps_Clone(t *testing.T) {
	tree := state.NewTree()
	require.NoError(t, tree.Apply(agency.OperationSet{}.Add("a", agency.Set([]interface{}{1, 2, 3}))))
	clone := tree.Clone()

	require.NoError(t, tree.Apply(agency.OperationSet{}.
		Add("a", agency.Replace(2, "two")).
		Add("a", agency.EraseAt(0)).
		Add("a", agency.Shift())))

	v, _ := tree.Get("a")
	require.Equal(t, []interface{}{3.0}, v)
	v, _ = clone.Get("a")
	require.Equal(t, []interface{}{1.0, 2.0, 3.0}, v)
}

// Ensure a failing operation leaves no trace of earlier operations in the set.
func TestTree_Apply_Atomic(t *testing.T) {
	tree := state.NewTree()
	require.NoError(t, tree.Apply(agency.OperationSet{}.
		Add("keep/x", agency.Set(1)).
		Add("leaf", agency.Set("v"))))
	before, err := json.Marshal(tree)
	require.NoError(t, err)

	err = tree.Apply(agency.OperationSet{}.
		Add("keep/x", agency.Set(2)).
		Add("keep", agency.Delete()).
		Add("leaf/child/deep", agency.Set(3)).
		Add("new/branch", agency.Push("x")).
		Add("bad", agency.Set(make(chan int))))
	require.Error(t, err)

	after, err := json.Marshal(tree)
	require.NoError(t, err)
	require.JSONEq(t, string(before), string(after))
	require.Equal(t, string(before), string(after))
}

func TestTree_Check(t *testing.T) {
	tree := state.NewTree()
	require.NoError(t, tree.Apply(agency.OperationSet{}.
		Add("lock", agency.Set("held")).
		Add("list", agency.Push(1))))

	require.NoError(t, tree.Check(agency.Preconditions{
		"lock":   agency.OldEquals("held"),
		"free":   agency.OldEmpty(true),
		"list":   {IsArray: boolPtr(true)},
		"lock/x": agency.OldEmpty(true),
	}))
	require.ErrorIs(t, tree.Check(agency.Preconditions{"lock": agency.OldEquals("other")}), agency.ErrPreconditionFailed)
	require.ErrorIs(t, tree.Check(agency.Preconditions{"lock": agency.OldEmpty(true)}), agency.ErrPreconditionFailed)
	require.ErrorIs(t, tree.Check(agency.Preconditions{"lock": {IsArray: boolPtr(true)}}), agency.ErrPreconditionFailed)
}

// Ensure the reported failure does not depend on map iteration order.
func TestTree_Check_FirstFailureInPathOrder(t *testing.T) {
	tree := state.NewTree()
	require.NoError(t, tree.Apply(agency.OperationSet{}.Add("lock", agency.Set("held"))))

	pre := agency.Preconditions{
		"z":    agency.OldEmpty(false),
		"lock": agency.OldEquals("other"),
		"m":    agency.OldEmpty(false),
		"b":    agency.OldEmpty(false),
		"q":    agency.OldEmpty(false),
	}
	for i := 0; i < 50; i++ {
		err := tree.Check(pre)
		require.Equal(t, errors.EPrecondition, errors.ErrorCode(err))
		require.Equal(t, `precondition oldEmpty failed on "b"`, errors.ErrorMessage(err))
	}
}

func TestTree_JSON(t *testing.T) {
	tree := state.NewTree()
	require.NoError(t, tree.Apply(agency.OperationSet{}.
		Add("z", agency.Set(1)).
		Add("a/c", agency.Set("x")).
		Add("a/b", agency.Set([]interface{}{1, "two"}))))

	b, err := json.Marshal(tree)
	require.NoError(t, err)
	require.Equal(t, `{"a":{"b":[1,"two"],"c":"x"},"z":1}`, string(b))

	other := state.NewTree()
	require.NoError(t, json.Unmarshal(b, other))
	require.True(t, tree.Equal(other))

	clone := tree.Clone()
	require.NoError(t, clone.Apply(agency.OperationSet{}.Add("z", agency.Delete())))
	require.True(t, tree.Has("z"))
}

func boolPtr(v bool) *bool { return &v }
