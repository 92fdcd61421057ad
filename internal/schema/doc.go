// Package schema holds validated model metadata: states, transitions, typed
// fields and the naming rules that map models onto storage tables.
//
// A Schema is built once, either from Go literals with New or from a CUE
// document with LoadDir / CompileString, and is immutable afterwards.
// Downstream packages only ever see the validated form.
package schema
