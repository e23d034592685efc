package entities

const (
	MinBatchSize = 25
	MaxBatchSize = 1000
)

var largeDocumentTypes = map[string]bool{
	"table":           true,
	"topic":           true,
	"dashboard":       true,
	"mlmodel":         true,
	"container":       true,
	"storedProcedure": true,
}

var smallDocumentTypes = map[string]bool{
	"user":           true,
	"team":           true,
	"bot":            true,
	"role":           true,
	"policy":         true,
	"tag":            true,
	"classification": true,
}

// EstimateBatchSize adjusts base for the typical document size of
// entityType. Non-positive bases are returned unchanged.
func EstimateBatchSize(entityType string, base int) int {
	if base <= 0 {
		return base
	}
	switch {
	case largeDocumentTypes[entityType]:
		return max(base/2, MinBatchSize)
	case smallDocumentTypes[entityType]:
		return min(base*2, MaxBatchSize)
	default:
		return base
	}
}
