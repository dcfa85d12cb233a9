package interfaces

import "time"

// ServerTimestamp is a placeholder value the store replaces with its commit
// time wherever it appears in a written value, nested values included.
const ServerTimestamp = "\x00server-timestamp"

// MutationOp names a single-field update primitive.
type MutationOp string

const (
	OpSet         MutationOp = "set"
	OpDelete      MutationOp = "delete"
	OpAddToSet    MutationOp = "add-to-set"
	OpPull        MutationOp = "pull"
	OpPullWhere   MutationOp = "pull-where"
	OpUpsertWhere MutationOp = "upsert-where"
	OpUpdateWhere MutationOp = "update-where"
	OpMax         MutationOp = "max"
	OpSetIfNewer  MutationOp = "set-if-newer"
)

// Mutation is one convergent update to a field addressed by a dot path.
// Every operation except OpSet with a changing value is safe to apply twice.
type Mutation struct {
	Op    MutationOp
	Path  string
	Value any
	// Values holds the elements for OpAddToSet and OpPull.
	Values []any
	// Match selects array elements (objects) whose fields equal every entry.
	Match map[string]any
	// OrderField and TieField order object values for OpSetIfNewer.
	OrderField string
	TieField   string
}

// Set replaces the value at path.
func Set(path string, value any) Mutation {
	return Mutation{Op: OpSet, Path: path, Value: value}
}

// Delete removes the value at path.
func Delete(path string) Mutation {
	return Mutation{Op: OpDelete, Path: path}
}

// AddToSet appends each value not already present in the array at path.
func AddToSet(path string, values ...any) Mutation {
	return Mutation{Op: OpAddToSet, Path: path, Values: values}
}

// Pull removes every element equal to one of values from the array at path.
func Pull(path string, values ...any) Mutation {
	return Mutation{Op: OpPull, Path: path, Values: values}
}

// PullWhere removes every object element of the array at path that matches.
func PullWhere(path string, match map[string]any) Mutation {
	return Mutation{Op: OpPullWhere, Path: path, Match: match}
}

// UpsertWhere replaces the first matching element of the array at path with
// value, dropping any further matches, or appends value when none matches.
func UpsertWhere(path string, match map[string]any, value any) Mutation {
	return Mutation{Op: OpUpsertWhere, Path: path, Match: match, Value: value}
}

// UpdateWhere sets fields on every matching object element of the array at path.
func UpdateWhere(path string, match map[string]any, fields map[string]any) Mutation {
	return Mutation{Op: OpUpdateWhere, Path: path, Match: match, Value: fields}
}

// Max stores t at path unless the stored timestamp is already later.
func Max(path string, t time.Time) Mutation {
	return Mutation{Op: OpMax, Path: path, Value: t.UTC().Format(time.RFC3339Nano)}
}

// SetIfNewer stores the object value at path unless the stored object sorts
// at or after it by orderField (a timestamp) and then tieField.
func SetIfNewer(path string, value any, orderField, tieField string) Mutation {
	return Mutation{Op: OpSetIfNewer, Path: path, Value: value, OrderField: orderField, TieField: tieField}
}
