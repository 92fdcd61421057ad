// Package ir provides the record types shared by every transit package.
//
// This package contains type definitions, id generation and the error
// taxonomy only. All other internal packages import ir; ir imports nothing
// internal. This keeps ir the foundational layer with no circular
// dependencies.
//
// Key constraints:
//   - Transition records are immutable once appended
//   - Seq is backend-local ordering; ids carry no ordering guarantee across backends
//   - Field values are canonical Go values: string, int64, float64, bool or nil
//   - All JSON tags use snake_case
package ir
