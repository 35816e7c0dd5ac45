// Package analyze turns extracted text into structured note enrichment.
// Providers are selected by configuration at startup; the heuristic
// implementation is the zero-dependency fallback that always exists.
package analyze

import (
	"context"
	"fmt"
)

// Result is the structured output of one analysis pass.
type Result struct {
	AITitle      string
	SummaryShort string
	SummaryLong  string
	Tags         []string
	Hashtags     []string
	Category     string
	Confidence   float64
	LowContent   bool
}

// AnalysisError signals that the analysis step failed after content capture.
// The note stays content-complete; only enrichment is missing.
type AnalysisError struct {
	Provider string
	Err      error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("analysis (%s): %v", e.Provider, e.Err)
}

func (e *AnalysisError) Unwrap() error {
	return e.Err
}

// Analyzer produces enrichment for extracted text.
type Analyzer interface {
	Analyze(ctx context.Context, text string) (Result, error)
}
