package models

// QueryType classifies a submitted query. Classification drives both
// strategy selection and the aggregation rule applied when sibling task
// results are reduced.
type QueryType string

const (
	QueryCounting       QueryType = "counting"
	QueryExtraction     QueryType = "extraction"
	QueryClassification QueryType = "classification"
	QuerySummarization  QueryType = "summarization"
	QuerySearch         QueryType = "search"
	QueryAggregation    QueryType = "aggregation"
)

// Strategy is the top-level processing approach chosen before any worker
// task is created.
type Strategy string

const (
	StrategyDirect       Strategy = "direct"
	StrategySearch       Strategy = "search"
	StrategyPartitionMap Strategy = "partition_map"
	StrategyHybrid       Strategy = "hybrid"
)

// Finding is the atomic unit of evidence returned by a leaf evaluation.
// Item is set for classification findings, where it names the thing being
// labeled so sibling results can be compared item-by-item.
type Finding struct {
	Type       string  `json:"type"`
	Value      string  `json:"value"`
	Item       string  `json:"item,omitempty"`
	Location   string  `json:"location,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Contradiction records two sibling labels for the same item that tied on
// confidence. The engine reports both rather than picking a winner.
type Contradiction struct {
	Item       string   `json:"item"`
	Labels     []string `json:"labels"`
	Confidence float64  `json:"confidence"`
}

// AggregateResult is the reduced output of one or more child task results.
// Leaf evaluations produce one directly (contributing only themselves);
// internal nodes produce one from their children; the root's is the
// engine's final answer.
type AggregateResult struct {
	Answer              string          `json:"answer,omitempty"`
	Confidence          float64         `json:"confidence"`
	Findings            []Finding       `json:"findings"`
	ContributingTaskIDs []string        `json:"contributing_task_ids"`
	Limitations         []string        `json:"limitations"`
	Contradictions      []Contradiction `json:"contradictions,omitempty"`
	NeedsMoreContext    bool            `json:"needs_more_context,omitempty"`
}

// Evaluation is what the external processing function returns for one
// chunk of content and one sub-query.
type Evaluation struct {
	Findings   []Finding `json:"findings"`
	Confidence float64   `json:"confidence"`
	CostUSD    float64   `json:"cost_usd,omitempty"`
}
