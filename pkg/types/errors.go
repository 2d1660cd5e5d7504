package types

import (
	"errors"
	"fmt"
)

// Sentinels matched with errors.Is against the typed errors below
var (
	ErrConfiguration = errors.New("configuration error")
	ErrHandler       = errors.New("handler error")
	ErrIndex         = errors.New("index error")
	ErrSchema        = errors.New("schema error")
	ErrCollision     = errors.New("index collision")
	ErrDirectory     = errors.New("directory error")
	ErrPersistence   = errors.New("persistence error")
)

// ConfigurationError reports invalid settings detected before any crawling starts
type ConfigurationError struct {
	Field string
	Msg   string
	Err   error
}

func (e *ConfigurationError) Error() string {
	msg := "invalid configuration"
	if e.Field != "" {
		msg += " for " + e.Field
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// Configf builds a ConfigurationError for a named setting
func Configf(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// HandlerError wraps a failure returned by a Handler for one file
type HandlerError struct {
	Path    string
	Handler string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s failed on %s: %v", e.Handler, e.Path, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

func (e *HandlerError) Is(target error) bool { return target == ErrHandler }

// IndexError reports that an index key could not be derived for a file
type IndexError struct {
	Path  string
	Field string
	Msg   string
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("index field %s for %s: %s", e.Field, e.Path, e.Msg)
}

func (e *IndexError) Is(target error) bool { return target == ErrIndex }

// SchemaError reports a record whose attribute types conflict with its table
type SchemaError struct {
	Table     string
	Attribute string
	Want      string
	Got       string
	// Msg replaces the type comparison when the attribute is rejected outright
	Msg string
}

func (e *SchemaError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("table %s attribute %s: %s", e.Table, e.Attribute, e.Msg)
	}
	return fmt.Sprintf("table %s attribute %s: have %s, record has %s", e.Table, e.Attribute, e.Want, e.Got)
}

func (e *SchemaError) Is(target error) bool { return target == ErrSchema }

// CollisionError is raised under the error policy when two records share a key
type CollisionError struct {
	Table    string
	Key      IndexKey
	Existing string
	Incoming string
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("index collision in table %s: key %s from %s already inserted from %s", e.Table, e.Key, e.Incoming, e.Existing)
}

func (e *CollisionError) Is(target error) bool { return target == ErrCollision }

// DirectoryError reports a directory that could not be enumerated
type DirectoryError struct {
	Path string
	Err  error
}

func (e *DirectoryError) Error() string {
	return fmt.Sprintf("directory %s: %v", e.Path, e.Err)
}

func (e *DirectoryError) Unwrap() error { return e.Err }

func (e *DirectoryError) Is(target error) bool { return target == ErrDirectory }

// PersistenceError reports a failed shard or ledger write. It is fatal to the worker.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to persist %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// IsFileLevel reports whether err only invalidates the current file
func IsFileLevel(err error) bool {
	return errors.Is(err, ErrHandler) || errors.Is(err, ErrIndex) || errors.Is(err, ErrSchema)
}
