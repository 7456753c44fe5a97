package models

import "time"

// Severity grades a validation issue.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// ValidationIssue describes one problem found in a bar series. Issues are
// pure data and never mutated after creation.
type ValidationIssue struct {
	Severity Severity `json:"severity"`
	Category string   `json:"category"`
	Message  string   `json:"message"`
	// BarIndex is the offending bar's position in the validated series,
	// or -1 when the issue is not tied to a single bar.
	BarIndex int    `json:"bar_index"`
	Value    string `json:"value,omitempty"`
	Expected string `json:"expected,omitempty"`
}

// ValidationReport summarizes a quality pass over one symbol's bar series.
type ValidationReport struct {
	Symbol          string            `json:"symbol"`
	TotalBars       int               `json:"total_bars"`
	Issues          []ValidationIssue `json:"issues"`
	QualityScore    float64           `json:"quality_score"`
	Passed          bool              `json:"passed"`
	Recommendations []string          `json:"recommendations,omitempty"`
}

// HasErrors reports whether the report contains Error or Critical issues.
func (r ValidationReport) HasErrors() bool {
	for _, issue := range r.Issues {
		if issue.Severity == SeverityError || issue.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// HasWarnings reports whether the report contains Warning issues.
func (r ValidationReport) HasWarnings() bool {
	for _, issue := range r.Issues {
		if issue.Severity == SeverityWarning {
			return true
		}
	}
	return false
}

// CountBySeverity returns the number of issues with the given severity.
func (r ValidationReport) CountBySeverity(s Severity) int {
	n := 0
	for _, issue := range r.Issues {
		if issue.Severity == s {
			n++
		}
	}
	return n
}

// ConsensusRecord compares one data point between the primary source and an
// independent reference source.
type ConsensusRecord struct {
	Field        string    `json:"field"`
	Timestamp    time.Time `json:"timestamp"`
	PrimaryValue float64   `json:"primary_value"`
	ReferenceVal float64   `json:"reference_value"`
	// Consensus is the midpoint of the two observed values.
	Consensus float64 `json:"consensus"`
	DeviationPct float64   `json:"deviation_pct"`
	Confidence   float64   `json:"confidence"`
}

// IntegrityFingerprint is one entry of the tamper-evident fingerprint chain.
// ChainHash folds the previous entry's chain hash into this one, so editing
// a retained entry invalidates every later hash. Entries store the
// predecessor's hash value rather than a reference, which keeps retained
// entries verifiable after older ones are evicted.
type IntegrityFingerprint struct {
	Symbol      string            `json:"symbol"`
	Timeframe   Timeframe         `json:"timeframe"`
	ContentHash string            `json:"content_hash"`
	ChainHash   string            `json:"chain_hash"`
	PrevHash    string            `json:"prev_hash,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	Score       float64           `json:"score"`
	Verified    bool              `json:"verified"`
	Consensus   []ConsensusRecord `json:"consensus,omitempty"`
}

// ValidatedBatch is what the pipeline emits for downstream storage: the
// surviving bars plus the report that scored them.
type ValidatedBatch struct {
	Symbol      string               `json:"symbol"`
	Timeframe   Timeframe            `json:"timeframe"`
	Bars        []Bar                `json:"bars"`
	Report      ValidationReport     `json:"report"`
	Fingerprint IntegrityFingerprint `json:"fingerprint"`
	ProducedAt  time.Time            `json:"produced_at"`
}
