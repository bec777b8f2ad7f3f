package models

// WarningCode categorizes warnings by subsystem.
// W1xxx = extraction/normalization, W2xxx = enrichment.
type WarningCode string

const (
	WarnRowDropped         WarningCode = "W1001" // row failed field normalization (not inserted)
	WarnRowOutsideWindow   WarningCode = "W1002" // ex-dividend date outside the queried week (not inserted)
	WarnDuplicateSymbol    WarningCode = "W1003" // symbol seen twice, last row wins
	WarnSortUnverified     WarningCode = "W1004" // page rows were not in descending rate order after sorting
	WarnRowSkipped         WarningCode = "W1005" // row unreadable on the page, skipped by policy
	WarnEnrichFailed       WarningCode = "W2001" // whole fetch failed, metrics left null
	WarnEnrichCancelled    WarningCode = "W2002" // fetch abandoned because the run was cancelled
	WarnEnrichMetricAbsent WarningCode = "W2003" // snapshot lacks one or more metrics
)

// Warning represents a non-fatal issue encountered during processing.
type Warning struct {
	Code    WarningCode `json:"code"`
	Message string      `json:"message"`
}
