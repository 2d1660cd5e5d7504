// Package indexer derives structured index keys from file paths.
//
// Each index field is extracted by a regular expression with a single capture
// group, applied to the slash-separated file path. By default the pattern for a
// field with key "sub" is
//
//	(?:[_/]|^)sub-(.+?)(?:[._/]|$)
//
// which pulls "01" out of "sub-01/anat/sub-01_T1w.nii.gz". The keys "suffix" and
// "extension" select built-in patterns for the trailing BIDS suffix ("T1w") and
// the full extension (".nii.gz"). A field may instead read a record attribute by
// setting its source to "record".
//
// Derive is pure: the same path and record always produce the same key.
package indexer
