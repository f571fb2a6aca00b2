// Package media defines the acquisition domain model: requests, their
// deliverable items, item lifecycle statuses, and the capped error history
// kept per item. Request status is always computed from item statuses.
package media
