// Package strategy classifies incoming queries and picks the execution
// strategy for the root task. Selection is pure: the same query and size
// estimate always produce the same decision, so tests can pin it down.
package strategy

import (
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fathom-engine/fathom/internal/models"
	"github.com/fathom-engine/fathom/internal/workspace"
)

// queryKeywords maps each query type to the phrases that indicate it.
// First match wins in classificationOrder; more specific types come first
// so "count all errors" is counting, not aggregation.
var queryKeywords = map[models.QueryType][]string{
	models.QueryCounting:       {"how many", "count", "number of", "total occurrences"},
	models.QueryExtraction:     {"extract", "list all", "find all", "pull out", "what are the"},
	models.QuerySearch:         {"find the", "locate", "where is", "where does", "search for", "look up", "first occurrence"},
	models.QueryClassification: {"classify", "categorize", "label", "which category", "is this a"},
	models.QuerySummarization:  {"summarize", "summary", "overview", "main themes", "key points", "tl;dr"},
	models.QueryAggregation:    {"average", "aggregate", "combine", "across all", "overall", "per group"},
}

var classificationOrder = []models.QueryType{
	models.QueryCounting,
	models.QueryExtraction,
	models.QuerySearch,
	models.QueryClassification,
	models.QuerySummarization,
	models.QueryAggregation,
}

// Classify buckets a free-form query by keyword matching. Unrecognized
// queries fall back to summarization, the only type whose reduction is
// safe for arbitrary prose.
func Classify(query string) models.QueryType {
	q := strings.ToLower(query)
	for _, qt := range classificationOrder {
		for _, kw := range queryKeywords[qt] {
			if strings.Contains(q, kw) {
				return qt
			}
		}
	}
	return models.QuerySummarization
}

// Thresholds control strategy selection. All sizes are in lines.
type Thresholds struct {
	// DirectMaxLines is the size below which everything runs inline.
	DirectMaxLines int `mapstructure:"direct_max_lines" yaml:"direct_max_lines" json:"direct_max_lines"`
	// HybridMinLines is the size above which a search query also
	// partitions its narrowed region instead of evaluating it whole.
	HybridMinLines int `mapstructure:"hybrid_min_lines" yaml:"hybrid_min_lines" json:"hybrid_min_lines"`
	// NarrowWindow is the number of context lines kept around each
	// keyword match during narrowing.
	NarrowWindow int `mapstructure:"narrow_window" yaml:"narrow_window" json:"narrow_window"`
}

// DefaultThresholds mirrors the shipped configuration defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DirectMaxLines: 500,
		HybridMinLines: 5000,
		NarrowWindow:   3,
	}
}

// Selector picks the root strategy from a query classification and a
// context size estimate.
type Selector struct {
	thresholds Thresholds
	logger     *zap.Logger
}

func NewSelector(thresholds Thresholds, logger *zap.Logger) *Selector {
	if thresholds.DirectMaxLines <= 0 {
		thresholds = DefaultThresholds()
	}
	return &Selector{thresholds: thresholds, logger: logger}
}

// Select is deterministic: same (queryType, sizeLines) in, same strategy out.
func (s *Selector) Select(queryType models.QueryType, sizeLines int) models.Strategy {
	var chosen models.Strategy
	switch {
	case sizeLines <= s.thresholds.DirectMaxLines:
		chosen = models.StrategyDirect
	case queryType == models.QuerySearch && sizeLines > s.thresholds.HybridMinLines:
		chosen = models.StrategyHybrid
	case queryType == models.QuerySearch:
		chosen = models.StrategySearch
	default:
		chosen = models.StrategyPartitionMap
	}
	if s.logger != nil {
		s.logger.Debug("strategy selected",
			zap.String("query_type", string(queryType)),
			zap.Int("size_lines", sizeLines),
			zap.String("strategy", string(chosen)))
	}
	return chosen
}

// Thresholds returns the active thresholds (used by the engine for the
// direct-evaluation cutoff at inner nodes).
func (s *Selector) Thresholds() Thresholds {
	return s.thresholds
}

// stopwords excluded when deriving narrowing terms from the query text.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "all": true, "are": true,
	"find": true, "locate": true, "where": true, "search": true,
	"first": true, "occurrence": true, "does": true, "what": true,
	"which": true, "with": true, "that": true, "this": true, "from": true,
}

// Terms extracts the content-bearing words of a query for narrowing.
func Terms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9') && r != '_' && r != '-'
	})
	seen := make(map[string]bool, len(fields))
	var terms []string
	for _, f := range fields {
		if len(f) < 3 || stopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, f)
	}
	return terms
}

// Narrow reduces r to the spans of lines that mention any query term,
// padded by window lines of context, with overlapping spans merged.
// lines holds the content of r itself, so lines[0] is line r.StartLine.
// When no term matches (or the query yields no terms) the full range is
// returned so evaluation still sees everything.
func Narrow(lines []string, r workspace.Range, query string, window int) []workspace.Range {
	terms := Terms(query)
	if len(terms) == 0 {
		return []workspace.Range{r}
	}
	if window < 0 {
		window = 0
	}

	var hits []int
	for i := 0; i < len(lines) && r.StartLine+i < r.EndLine; i++ {
		line := strings.ToLower(lines[i])
		for _, t := range terms {
			if strings.Contains(line, t) {
				hits = append(hits, r.StartLine+i)
				break
			}
		}
	}
	if len(hits) == 0 {
		return []workspace.Range{r}
	}

	sort.Ints(hits)
	var spans []workspace.Range
	for _, h := range hits {
		start := h - window
		if start < r.StartLine {
			start = r.StartLine
		}
		end := h + window + 1
		if end > r.EndLine {
			end = r.EndLine
		}
		if n := len(spans); n > 0 && start <= spans[n-1].EndLine {
			if end > spans[n-1].EndLine {
				spans[n-1].EndLine = end
			}
			continue
		}
		spans = append(spans, workspace.Range{StartLine: start, EndLine: end})
	}
	return spans
}
