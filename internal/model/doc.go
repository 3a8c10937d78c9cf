// Package model provides the shared domain types for recordflow.
//
// This package contains type definitions, the tagged Value variant used for
// record data, canonical JSON encoding and the content hashes built on it.
// All other internal packages import model; model imports nothing internal.
//
// Key design constraints:
//   - Record data is always a Data map of sealed Value variants
//   - Record versions are ordered by version number, never by timestamp
//   - All JSON tags use snake_case
//   - Hashes are computed over RFC 8785 canonical JSON only
package model
