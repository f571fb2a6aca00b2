// Package search locates source artifacts for requested items and stages
// them for encoding. Providers are deliberately local: a drop directory
// scanner fed by external downloaders, and a stub that fabricates sources so
// a pipeline can run end to end on a development machine. Real indexer
// integrations live outside the daemon and deposit their results where the
// drop provider can see them.
package search
