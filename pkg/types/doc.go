// Package types holds the data model shared by every crawltab component.
//
// A Record maps attribute names to Values. Value is a closed tagged union over
// null, bool, int, float, string, bytes, nested structs and dense n-dimensional
// float arrays:
//
//	rec := types.Record{
//	    "RepetitionTime": types.Float(2.0),
//	    "Manufacturer":   types.String("Siemens"),
//	    "events":         types.MustArray([]int{2, 3}, data),
//	}
//
// Each record is keyed by an IndexKey built from path-derived fields. Keys are
// totally ordered and hash with xxhash so the assembler can bucket them.
//
// Errors follow a fixed taxonomy. File-level failures (HandlerError, IndexError,
// SchemaError) are counted and skipped; CollisionError under the error policy and
// PersistenceError stop the worker. Every typed error matches its sentinel:
//
//	if errors.Is(err, types.ErrCollision) { ... }
package types
