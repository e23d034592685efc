// Package entities holds the static knowledge about entity types: their
// scheduling priority, preferred batch sizes, kinds, and index names.
package entities

import "sort"

// Tier is a scheduling tier. Lower tiers are indexed first.
type Tier int

const (
	TierCritical Tier = iota
	TierHigh
	TierMedium
	TierLow
	TierLowest
)

var tierPriority = map[Tier]int{
	TierCritical: 100,
	TierHigh:     80,
	TierMedium:   60,
	TierLow:      40,
	TierLowest:   20,
}

var tiers = map[string]Tier{
	// Services everything else hangs off.
	"databaseService":  TierCritical,
	"messagingService": TierCritical,
	"dashboardService": TierCritical,
	"pipelineService":  TierCritical,
	"mlmodelService":   TierCritical,
	"storageService":   TierCritical,
	"searchService":    TierCritical,
	"apiService":       TierCritical,
	"metadataService":  TierCritical,

	"user":    TierHigh,
	"team":    TierHigh,
	"role":    TierHigh,
	"bot":     TierHigh,
	"persona": TierHigh,

	"table":              TierMedium,
	"database":           TierMedium,
	"databaseSchema":     TierMedium,
	"dashboard":          TierMedium,
	"chart":              TierMedium,
	"pipeline":           TierMedium,
	"topic":              TierMedium,
	"mlmodel":            TierMedium,
	"container":          TierMedium,
	"storedProcedure":    TierMedium,
	"query":              TierMedium,
	"dashboardDataModel": TierMedium,
	"api":                TierMedium,
	"apiEndpoint":        TierMedium,
	"apiCollection":      TierMedium,

	"entityReportData":                  TierLowest,
	"rawCostAnalysisReportData":         TierLowest,
	"webAnalyticUserActivityReportData": TierLowest,
	"webAnalyticEntityViewReportData":   TierLowest,
	"aggregatedCostAnalysisReportData":  TierLowest,
	"testCaseResolutionStatus":          TierLowest,
	"testCaseResult":                    TierLowest,
	"queryCostRecord":                   TierLowest,
}

// TierOf returns the tier of entityType. Unlisted types are TierLow.
func TierOf(entityType string) Tier {
	if t, ok := tiers[entityType]; ok {
		return t
	}
	return TierLow
}

// Priority returns the numeric priority of entityType; higher runs first.
func Priority(entityType string) int {
	return tierPriority[TierOf(entityType)]
}

// SortByPriority orders entity types by tier. Types in the same tier keep
// their input order.
func SortByPriority(entityTypes []string) []string {
	out := append([]string(nil), entityTypes...)
	sort.SliceStable(out, func(i, j int) bool {
		return TierOf(out[i]) < TierOf(out[j])
	})
	return out
}
