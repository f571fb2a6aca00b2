// Package textutil provides text processing utilities for search query
// normalization and filename sanitization.
//
// The primary use cases are:
//   - Normalizing request titles into canonical search queries
//   - Sanitizing filenames and path segments for safe filesystem use
package textutil
