// Package assembler accumulates keyed records into per-table batches and
// resolves index collisions according to each table's policy.
package assembler

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/dshills/crawltab/pkg/types"
)

// Policy decides what happens when a key is inserted twice into a table.
// Merge joins the attributes of both records into one row, which is how
// handlers with column groups share a row.
type Policy string

const (
	Overwrite Policy = "overwrite"
	Skip      Policy = "skip"
	Error     Policy = "error"
	Merge     Policy = "merge"
)

// ParsePolicy validates a policy name. The empty string selects Overwrite.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(s)); p {
	case "":
		return Overwrite, nil
	case Overwrite, Skip, Error, Merge:
		return p, nil
	}
	return "", types.Configf("collision", "unknown collision policy %q", s)
}

// Outcome reports what Insert did with a record
type Outcome int

const (
	Appended Outcome = iota
	Overwritten
	Skipped
	Merged
)

func (o Outcome) String() string {
	switch o {
	case Appended:
		return "appended"
	case Overwritten:
		return "overwritten"
	case Skipped:
		return "skipped"
	case Merged:
		return "merged"
	}
	return "unknown"
}

// Row is one keyed record together with its provenance
type Row struct {
	Key    types.IndexKey
	Source string
	Dir    string
	Record types.Record
}

func (r Row) size() int {
	n := len(r.Source) + len(r.Dir) + r.Record.Size()
	for _, f := range r.Key.Fields {
		n += len(f.Name) + f.Value.Size()
	}
	return n
}

// TableBatch is the detached set of rows pending for one table
type TableBatch struct {
	Table  string
	Rows   []Row
	Schema map[string]types.ColumnType
	bytes  int
}

// Len returns the number of rows
func (b *TableBatch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Rows)
}

// Bytes returns the estimated in-memory size of the rows
func (b *TableBatch) Bytes() int {
	if b == nil {
		return 0
	}
	return b.bytes
}

// Columns returns attribute names in sorted order
func (b *TableBatch) Columns() []string {
	names := make([]string, 0, len(b.Schema))
	for name := range b.Schema {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type keyEntry struct {
	key    types.IndexKey
	source string
	gen    int
	pos    int
}

type tableState struct {
	policy Policy
	batch  *TableBatch
	gen    int
	keys   map[uint64][]*keyEntry
	schema map[string]types.ColumnType
}

// Assembler owns the pending batches of one worker. Keys are remembered across
// drains for the lifetime of the assembler so that a key flushed earlier still
// collides with later inserts.
type Assembler struct {
	mu         sync.Mutex
	policies   map[string]Policy
	fallback   Policy
	tables     map[string]*tableState
	collisions int64
	logger     *slog.Logger
}

// New creates an assembler. policies maps table names to their policy; tables
// not listed use fallback.
func New(policies map[string]Policy, fallback Policy, logger *slog.Logger) *Assembler {
	if fallback == "" {
		fallback = Overwrite
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		policies: policies,
		fallback: fallback,
		tables:   make(map[string]*tableState),
		logger:   logger,
	}
}

func (a *Assembler) state(table string) *tableState {
	st, ok := a.tables[table]
	if !ok {
		policy, ok := a.policies[table]
		if !ok {
			policy = a.fallback
		}
		st = &tableState{
			policy: policy,
			batch:  &TableBatch{Table: table},
			keys:   make(map[uint64][]*keyEntry),
			schema: make(map[string]types.ColumnType),
		}
		a.tables[table] = st
	}
	return st
}

func (st *tableState) find(key types.IndexKey) *keyEntry {
	for _, e := range st.keys[key.Hash()] {
		if e.key.Equal(key) {
			return e
		}
	}
	return nil
}

// Insert adds a row to the table's pending batch, applying the table's
// collision policy when the key was seen before. Attribute types must agree
// with earlier rows of the table or a SchemaError is returned.
func (a *Assembler) Insert(table string, row Row) (Outcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.insert(table, a.state(table), row)
}

// InsertAll inserts the rows parsed from one file. Every row is checked
// against the table schema before any is buffered, so a file rejected with a
// SchemaError leaves nothing behind.
func (a *Assembler) InsertAll(table string, rows []Row) ([]Outcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.state(table)
	schema := st.schema
	for _, row := range rows {
		var err error
		if schema, err = mergeSchema(table, schema, row.Record); err != nil {
			return nil, err
		}
	}
	outs := make([]Outcome, 0, len(rows))
	for _, row := range rows {
		out, err := a.insert(table, st, row)
		if err != nil {
			return outs, err
		}
		outs = append(outs, out)
	}
	return outs, nil
}

func (a *Assembler) insert(table string, st *tableState, row Row) (Outcome, error) {
	existing := st.find(row.Key)
	if existing != nil && st.policy != Merge {
		a.collisions++
		switch st.policy {
		case Error:
			return Skipped, &types.CollisionError{Table: table, Key: row.Key, Existing: existing.source, Incoming: row.Source}
		case Skip:
			a.logger.Warn("index collision, keeping first record",
				"table", table, "key", row.Key.String(), "kept", existing.source, "skipped", row.Source)
			return Skipped, nil
		}
	}

	merged, err := mergeSchema(table, st.schema, row.Record)
	if err != nil {
		return Skipped, err
	}
	st.schema = merged

	size := row.size()
	if existing != nil && st.policy == Merge && existing.gen == st.gen {
		return a.mergeRow(table, st, existing, row), nil
	}
	if existing != nil {
		if st.policy == Merge {
			a.logger.Warn("index key already flushed, appending a partial row",
				"table", table, "key", row.Key.String(), "flushed", existing.source, "with", row.Source)
		} else {
			a.logger.Warn("index collision, overwriting record",
				"table", table, "key", row.Key.String(), "replaced", existing.source, "with", row.Source)
		}
		existing.source = row.Source
		if existing.gen == st.gen {
			old := st.batch.Rows[existing.pos]
			st.batch.Rows[existing.pos] = row
			st.batch.bytes += size - old.size()
			return Overwritten, nil
		}
		// replaced row was already drained with an earlier batch
		existing.gen = st.gen
		existing.pos = len(st.batch.Rows)
		st.batch.Rows = append(st.batch.Rows, row)
		st.batch.bytes += size
		if st.policy == Merge {
			return Merged, nil
		}
		return Overwritten, nil
	}

	h := row.Key.Hash()
	st.keys[h] = append(st.keys[h], &keyEntry{key: row.Key, source: row.Source, gen: st.gen, pos: len(st.batch.Rows)})
	st.batch.Rows = append(st.batch.Rows, row)
	st.batch.bytes += size
	return Appended, nil
}

// mergeRow joins row into the pending row of the same key. An attribute
// present in both with different values takes the incoming value and the
// insert reports Overwritten.
func (a *Assembler) mergeRow(table string, st *tableState, existing *keyEntry, row Row) Outcome {
	cur := st.batch.Rows[existing.pos]
	out := Merged
	rec := make(types.Record, len(cur.Record)+len(row.Record))
	for name, v := range cur.Record {
		rec[name] = v
	}
	for _, name := range row.Record.Names() {
		v := row.Record[name]
		if v.IsNull() {
			continue
		}
		if old, ok := rec[name]; ok && !old.IsNull() && !old.Equal(v) {
			a.collisions++
			out = Overwritten
			a.logger.Warn("index collision on merged attribute, overwriting",
				"table", table, "key", row.Key.String(), "attribute", name, "replaced", cur.Source, "with", row.Source)
		}
		rec[name] = v
	}
	merged := Row{Key: cur.Key, Source: cur.Source, Dir: cur.Dir, Record: rec}
	st.batch.Rows[existing.pos] = merged
	st.batch.bytes += merged.size() - cur.size()
	return out
}

func mergeSchema(table string, schema map[string]types.ColumnType, rec types.Record) (map[string]types.ColumnType, error) {
	var out map[string]types.ColumnType
	for _, name := range rec.Names() {
		if types.IsReserved(name) {
			return nil, &types.SchemaError{Table: table, Attribute: name, Msg: "name is reserved for a writer column"}
		}
		v := rec[name]
		if v.IsNull() {
			continue
		}
		cur, ok := schema[name]
		incoming := types.TypeOf(v)
		if ok {
			m, path, ok := cur.Merge(incoming)
			if !ok {
				attr := name
				if path != "" {
					attr += "." + path
				}
				return nil, &types.SchemaError{Table: table, Attribute: attr, Want: cur.String(), Got: incoming.String()}
			}
			if m.String() == cur.String() {
				continue
			}
			incoming = m
		}
		if out == nil {
			out = make(map[string]types.ColumnType, len(schema)+1)
			for k, t := range schema {
				out[k] = t
			}
		}
		out[name] = incoming
	}
	if out == nil {
		return schema, nil
	}
	return out, nil
}

// Drain detaches the pending batch of table. It returns nil when nothing is
// pending. Later inserts start a fresh batch.
func (a *Assembler) Drain(table string) *TableBatch {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.tables[table]
	if !ok || len(st.batch.Rows) == 0 {
		return nil
	}
	batch := st.batch
	batch.Schema = make(map[string]types.ColumnType, len(st.schema))
	for name, t := range st.schema {
		batch.Schema[name] = t
	}
	st.batch = &TableBatch{Table: table}
	st.gen++
	return batch
}

// Pending lists tables with rows waiting to be drained, sorted by name
func (a *Assembler) Pending() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	var tables []string
	for name, st := range a.tables {
		if len(st.batch.Rows) > 0 {
			tables = append(tables, name)
		}
	}
	sort.Strings(tables)
	return tables
}

// Len returns the number of pending rows across tables
func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for _, st := range a.tables {
		n += len(st.batch.Rows)
	}
	return n
}

// Bytes returns the estimated size of pending rows across tables
func (a *Assembler) Bytes() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for _, st := range a.tables {
		n += st.batch.bytes
	}
	return n
}

// Collisions returns how many inserts hit an existing key
func (a *Assembler) Collisions() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.collisions
}
