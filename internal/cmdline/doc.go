// Package cmdline resolves a kernel command line from layered fragment
// directories.
//
// Fragments come from a vendor layer (shipped defaults) and an admin layer
// (local overrides). Fragments are identified by their path relative to the
// layer directory; an admin fragment replaces a vendor fragment of the same
// path and keeps that path's position in byte-wise sort order. Each fragment
// is normalized to one line, the results are joined with single spaces, and
// removal specs may then strip individual tokens from the result.
package cmdline
