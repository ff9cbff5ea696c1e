package testing

import (
	"testing"

	"github.com/influxdata/agency"
	"github.com/influxdata/agency/kit/platform/errors"
)

func diffErrorCodes(name string, actual error, expected string, t *testing.T) {
	t.Helper()
	if expected == "" && actual == nil {
		return
	}
	if expected == "" && actual != nil {
		t.Fatalf("%s failed, unexpected error %s", name, actual.Error())
	}
	if expected != "" && actual == nil {
		t.Fatalf("%s failed, expected error code %q but received nil", name, expected)
	}
	if code := errors.ErrorCode(actual); code != expected {
		t.Fatalf("%s failed, expected error code %q but received %q (%v)", name, expected, code, actual)
	}
}

// Command returns a command entry setting key to value.
func Command(index, term uint64, key string, value interface{}) *agency.LogEntry {
	return &agency.LogEntry{
		Type:       agency.EntryCommand,
		Index:      index,
		Term:       term,
		Operations: agency.OperationSet{}.Add(key, agency.Set(value)),
	}
}

// Commands returns entries lo through hi in the given term.
func Commands(lo, hi, term uint64) []*agency.LogEntry {
	var a []*agency.LogEntry
	for i := lo; i <= hi; i++ {
		a = append(a, Command(i, term, "k", float64(i)))
	}
	return a
}

func indexes(entries []*agency.LogEntry) []uint64 {
	a := make([]uint64, len(entries))
	for i, e := range entries {
		a[i] = e.Index
	}
	return a
}
