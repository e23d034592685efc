package entities

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/iancoleman/strcase"

	"github.com/hashicorp-forge/reindexer/pkg/reindex"
)

var timeSeriesTypes = map[string]bool{
	"entityReportData":                  true,
	"webAnalyticEntityViewReportData":   true,
	"webAnalyticUserActivityReportData": true,
	"rawCostAnalysisReportData":         true,
	"aggregatedCostAnalysisReportData":  true,
	"testCaseResolutionStatus":          true,
	"testCaseResult":                    true,
	"queryCostRecord":                   true,
}

var otherTypes = []string{
	"glossary",
	"glossaryTerm",
	"classification",
	"tag",
	"policy",
	"domain",
	"dataProduct",
	"testSuite",
	"testCase",
	"ingestionPipeline",
	"searchIndex",
}

// IsTimeSeries reports whether entityType is read as time-series records.
func IsTimeSeries(entityType string) bool {
	return timeSeriesTypes[entityType]
}

// KindOf returns the page kind for entityType.
func KindOf(entityType string) reindex.PageKind {
	if IsTimeSeries(entityType) {
		return reindex.KindTimeSeries
	}
	return reindex.KindEntities
}

// Supported returns every entity type the reindexer knows, sorted.
func Supported() []string {
	seen := make(map[string]bool)
	for et := range tiers {
		seen[et] = true
	}
	for _, et := range otherTypes {
		seen[et] = true
	}
	out := make([]string, 0, len(seen))
	for et := range seen {
		out = append(out, et)
	}
	sort.Strings(out)
	return out
}

// IsSupported reports whether entityType is known.
func IsSupported(entityType string) bool {
	if _, ok := tiers[entityType]; ok {
		return true
	}
	for _, et := range otherTypes {
		if et == entityType {
			return true
		}
	}
	return false
}

// Expand replaces the "all" token with every supported type and removes
// duplicates, preserving first occurrence order.
func Expand(entityTypes []string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(et string) {
		if et == "" || seen[et] {
			return
		}
		seen[et] = true
		out = append(out, et)
	}
	for _, et := range entityTypes {
		if strings.EqualFold(et, reindex.AllEntities) {
			for _, s := range Supported() {
				add(s)
			}
			continue
		}
		add(et)
	}
	return out
}

// IndexName returns the canonical index name for entityType, e.g.
// "storedProcedure" becomes "stored_procedure_search_index".
func IndexName(prefix, entityType string) string {
	name := strcase.ToSnake(entityType) + "_search_index"
	if prefix != "" {
		name = prefix + "_" + name
	}
	return name
}

// EncodeOffset turns a numeric offset into an opaque cursor.
func EncodeOffset(offset int64) string {
	return base64.StdEncoding.EncodeToString([]byte(strconv.FormatInt(offset, 10)))
}

// DecodeOffset reverses EncodeOffset. An empty cursor is offset zero.
func DecodeOffset(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("invalid offset cursor %q: %w", cursor, err)
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid offset cursor %q: %w", cursor, err)
	}
	return n, nil
}

// EncodeKey turns a keyset value into an opaque cursor.
func EncodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

// DecodeKey reverses EncodeKey. An empty cursor is the empty key.
func DecodeKey(cursor string) (string, error) {
	if cursor == "" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", fmt.Errorf("invalid key cursor %q: %w", cursor, err)
	}
	return string(raw), nil
}
