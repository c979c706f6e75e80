// Package repository holds the GORM-backed data access for conversations, messages,
// activity and the event log.
package repository

import "loom/internal/observability"

func trackQuery(operation, table string) func() {
	return observability.TrackQuery(operation, table)
}
