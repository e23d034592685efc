package models

// ModelsToAutoMigrate returns every model the reindexer persists, in
// creation order.
func ModelsToAutoMigrate() []interface{} {
	return []interface{}{
		&EntityRecord{},
		&ReindexRun{},
		&ReindexFailure{},
		&DistributedJob{}, // Must precede partitions and server stats
		&ReindexPartition{},
		&ReindexServerStats{},
	}
}
