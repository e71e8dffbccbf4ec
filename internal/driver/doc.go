// Package driver defines the engine-polymorphic contract used to list and
// query databases on external instances, its relational and document
// implementations, and the registry that resolves a driver by engine kind.
//
// Payload validation never opens a connection; a payload that does not parse
// fails with model.ErrMalformedQuery before any dispatch.
package driver
