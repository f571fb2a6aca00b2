// Package pipeline defines workflow templates, execution state, and the
// condition language that gates template steps. Templates are loaded from
// YAML, validated, and flattened into an immutable index-based arena that
// the executor walks.
package pipeline
