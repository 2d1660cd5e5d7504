// Package handler maps file paths to the parsers that turn them into records.
//
// A Registry holds an ordered list of registrations. Each registration names the
// table it feeds, a label and one or more glob patterns:
//
//	reg, err := handler.NewRegistry([]handler.Registration{
//	    {Table: "anat", Label: "sidecar", Patterns: []string{"*_T1w.json"}, Handler: h},
//	    {Table: "participants", Label: "tsv", Patterns: []string{"participants.tsv"}, Handler: p},
//	})
//
// Patterns use path.Match syntax. A pattern without a slash is matched against the
// file base name; a pattern with a slash is matched against the path relative to the
// crawl root. The first matching registration wins.
//
// Ambiguity is rejected up front: if one registration's literal pattern is matched by
// another registration's pattern, or two registrations share a pattern, NewRegistry
// returns a ConfigurationError.
package handler
