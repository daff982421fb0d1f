// Package core provides the fundamental types and interfaces for the clip job pipeline.
//
// This package contains:
//   - Job data model with GORM annotations and its client-facing Status view
//   - Store interface defining the persistence contract
//   - Event types for lifecycle monitoring
//   - The failure taxonomy (Category, ClipError)
//
// Most users should import the root package github.com/jdziat/clipjobs
// instead of this package directly.
package core
