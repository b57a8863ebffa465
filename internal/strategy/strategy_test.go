package strategy

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fathom-engine/fathom/internal/models"
	"github.com/fathom-engine/fathom/internal/workspace"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		query string
		want  models.QueryType
	}{
		{"How many ERROR lines appear in this log?", models.QueryCounting},
		{"Count the distinct user ids", models.QueryCounting},
		{"Extract every email address", models.QueryExtraction},
		{"List all hostnames mentioned", models.QueryExtraction},
		{"Where is the TLS handshake failure?", models.QuerySearch},
		{"Find the first occurrence of OOM", models.QuerySearch},
		{"Classify each ticket as bug or feature", models.QueryClassification},
		{"Summarize the incident timeline", models.QuerySummarization},
		{"Average latency across all regions", models.QueryAggregation},
		{"tell me about this document", models.QuerySummarization},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Classify(tc.query), "query: %s", tc.query)
	}
}

func TestSelectThresholds(t *testing.T) {
	sel := NewSelector(Thresholds{DirectMaxLines: 500, HybridMinLines: 5000, NarrowWindow: 3}, zaptest.NewLogger(t))

	require.Equal(t, models.StrategyDirect, sel.Select(models.QueryCounting, 200))
	require.Equal(t, models.StrategyDirect, sel.Select(models.QuerySearch, 500))
	require.Equal(t, models.StrategyPartitionMap, sel.Select(models.QueryCounting, 10000))
	require.Equal(t, models.StrategySearch, sel.Select(models.QuerySearch, 2000))
	require.Equal(t, models.StrategyHybrid, sel.Select(models.QuerySearch, 10000))
	require.Equal(t, models.StrategyPartitionMap, sel.Select(models.QuerySummarization, 6000))
}

func TestSelectIsDeterministic(t *testing.T) {
	sel := NewSelector(DefaultThresholds(), zaptest.NewLogger(t))
	first := sel.Select(models.QueryExtraction, 4321)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, sel.Select(models.QueryExtraction, 4321))
	}
}

func TestTermsDropStopwordsAndShortWords(t *testing.T) {
	terms := Terms("Find the first occurrence of OOM killer in ns-7")
	require.Equal(t, []string{"oom", "killer", "ns-7"}, terms)
}

func TestNarrowMergesNearbySpans(t *testing.T) {
	lines := make([]string, 100)
	for i := range lines {
		lines[i] = fmt.Sprintf("line %d ok", i)
	}
	lines[10] = "connection refused by upstream"
	lines[12] = "upstream retry scheduled"
	lines[80] = "upstream gave up"

	r := workspace.Range{StartLine: 0, EndLine: 100}
	spans := Narrow(lines, r, "where does the upstream fail", 3)

	require.Len(t, spans, 2)
	require.Equal(t, workspace.Range{StartLine: 7, EndLine: 16}, spans[0])
	require.Equal(t, workspace.Range{StartLine: 77, EndLine: 84}, spans[1])
}

func TestNarrowNonZeroBasedRange(t *testing.T) {
	lines := make([]string, 10)
	for i := range lines {
		lines[i] = fmt.Sprintf("line %d ok", 100+i)
	}
	lines[3] = "checksum mismatch detected"

	r := workspace.Range{StartLine: 100, EndLine: 110}
	spans := Narrow(lines, r, "find the checksum mismatch", 2)

	require.Equal(t, []workspace.Range{{StartLine: 101, EndLine: 106}}, spans)
}

func TestNarrowNoMatchReturnsFullRange(t *testing.T) {
	lines := []string{"alpha", "beta", "gamma"}
	r := workspace.Range{StartLine: 0, EndLine: 3}
	spans := Narrow(lines, r, "locate the zeta record", 2)
	require.Equal(t, []workspace.Range{r}, spans)
}

func TestNarrowClampsToRange(t *testing.T) {
	lines := []string{"needle here", "b", "c", "d", "needle again"}
	r := workspace.Range{StartLine: 0, EndLine: 5}
	spans := Narrow(lines, r, "needle", 10)
	require.Equal(t, []workspace.Range{r}, spans)
}
