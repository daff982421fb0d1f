// Package security provides validation, sanitization, and limits for clip jobs.
//
// This package includes:
//   - Input validation for source references and job identifiers
//   - Failure reason sanitization before it is stored and shown to clients
//   - Clamping functions for attempts, concurrency, and progress
//   - Path containment checks for files served from job ids
package security
