// Package aggregate reduces sibling task results into a parent-level
// result. Reduce is a pure function of its inputs and is associative and
// commutative for every supported query type: sibling completion order
// never changes the outcome.
package aggregate

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/fathom-engine/fathom/internal/models"
)

// Child pairs a task id with the result it produced.
type Child struct {
	TaskID string
	Result models.AggregateResult
}

const confidenceEpsilon = 1e-9

// needsMoreContextCap bounds the confidence of any aggregate that
// includes a child flagged needs_more_context.
const needsMoreContextCap = 0.5

// Reduce combines child results according to the query type's reduction
// rule. It records a limitation for every gap it can observe: children
// that needed more context, child limitations, and contradictory labels.
func Reduce(children []Child, queryType models.QueryType) models.AggregateResult {
	if len(children) == 0 {
		return models.AggregateResult{
			Findings:            []models.Finding{},
			ContributingTaskIDs: []string{},
			Limitations:         []string{"no child results available"},
		}
	}

	// Canonical order: results must not depend on completion order.
	sorted := make([]Child, len(children))
	copy(sorted, children)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TaskID < sorted[j].TaskID })

	out := models.AggregateResult{
		ContributingTaskIDs: contributors(sorted),
		Limitations:         childLimitations(sorted),
	}
	for _, c := range sorted {
		if c.Result.NeedsMoreContext {
			out.NeedsMoreContext = true
		}
	}

	switch queryType {
	case models.QueryCounting:
		reduceCounting(sorted, &out)
	case models.QueryExtraction:
		reduceExtraction(sorted, &out)
	case models.QueryClassification:
		reduceClassification(sorted, &out)
	case models.QuerySummarization:
		reduceSummarization(sorted, &out)
	default: // search, aggregation
		reduceUnion(sorted, &out)
	}

	if out.NeedsMoreContext && out.Confidence > needsMoreContextCap {
		out.Confidence = needsMoreContextCap
	}
	out.Limitations = dedupeSorted(out.Limitations)
	if out.Findings == nil {
		out.Findings = []models.Finding{}
	}
	return out
}

// reduceCounting sums child counts. A child's count is its numeric answer
// when present, otherwise the sum of its numeric "count" findings.
// Confidence is the minimum across children, capped when any child needed
// more context.
func reduceCounting(children []Child, out *models.AggregateResult) {
	total := 0
	confidence := 1.0
	for _, c := range children {
		total += childCount(c.Result)
		if c.Result.Confidence < confidence {
			confidence = c.Result.Confidence
		}
		if c.Result.NeedsMoreContext {
			out.Limitations = append(out.Limitations,
				fmt.Sprintf("count from task %s may be incomplete: chunk exceeded processing capacity", c.TaskID))
		}
	}
	out.Answer = strconv.Itoa(total)
	out.Confidence = confidence
	out.Findings = mergeFindings(children, nil)
}

func childCount(r models.AggregateResult) int {
	if n, err := strconv.Atoi(strings.TrimSpace(r.Answer)); err == nil {
		return n
	}
	total := 0
	for _, f := range r.Findings {
		if f.Type != "count" {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(f.Value)); err == nil {
			total += n
		}
	}
	return total
}

// reduceExtraction unions findings across children, de-duplicated by
// value; confidence is the finding-count-weighted average of child
// confidences.
func reduceExtraction(children []Child, out *models.AggregateResult) {
	out.Findings = mergeFindings(children, func(f models.Finding) string {
		return f.Type + "\x00" + f.Value
	})
	out.Confidence = weightedConfidence(children)

	values := make([]string, 0, len(out.Findings))
	seen := map[string]bool{}
	for _, f := range out.Findings {
		if !seen[f.Value] {
			seen[f.Value] = true
			values = append(values, f.Value)
		}
	}
	sort.Strings(values)
	out.Answer = strings.Join(values, ", ")
}

// reduceClassification concatenates labeled items. When two children
// disagree about the same item's label the higher-confidence label wins;
// an exact tie is reported as a contradiction rather than silently
// resolved.
func reduceClassification(children []Child, out *models.AggregateResult) {
	byItem := map[string][]models.Finding{}
	var unlabeled []models.Finding
	var items []string
	for _, c := range children {
		for _, f := range c.Result.Findings {
			if f.Item == "" {
				unlabeled = append(unlabeled, f)
				continue
			}
			if _, ok := byItem[f.Item]; !ok {
				items = append(items, f.Item)
			}
			byItem[f.Item] = append(byItem[f.Item], f)
		}
	}
	sort.Strings(items)

	var findings []models.Finding
	for _, item := range items {
		winner, tied := resolveLabel(byItem[item])
		if len(tied) > 0 {
			out.Contradictions = append(out.Contradictions, models.Contradiction{
				Item:       item,
				Labels:     tied,
				Confidence: winner.Confidence,
			})
			out.Limitations = append(out.Limitations,
				fmt.Sprintf("conflicting labels for %q at equal confidence; both reported", item))
			continue
		}
		findings = append(findings, winner)
	}
	findings = append(findings, unlabeled...)
	sortFindings(findings)
	out.Findings = findings
	out.Confidence = weightedConfidence(children)
}

// resolveLabel picks the highest-confidence label for one item. If the
// top confidence is shared by two or more distinct labels, all of them
// are returned as tied.
func resolveLabel(findings []models.Finding) (models.Finding, []string) {
	best := findings[0]
	for _, f := range findings[1:] {
		if f.Confidence > best.Confidence+confidenceEpsilon {
			best = f
		}
	}
	labelSet := map[string]bool{}
	for _, f := range findings {
		if math.Abs(f.Confidence-best.Confidence) <= confidenceEpsilon {
			labelSet[f.Value] = true
		}
	}
	if len(labelSet) <= 1 {
		return best, nil
	}
	labels := make([]string, 0, len(labelSet))
	for l := range labelSet {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return best, labels
}

// reduceSummarization merges distinct themes and drops near-duplicates.
// There is no numeric reduction; the answer is the merged theme list.
func reduceSummarization(children []Child, out *models.AggregateResult) {
	merged := mergeFindings(children, nil)
	var themes []models.Finding
	for _, f := range merged {
		norm := normalizeTheme(f.Value)
		duplicate := false
		for _, kept := range themes {
			kn := normalizeTheme(kept.Value)
			if norm == kn || strings.Contains(kn, norm) || strings.Contains(norm, kn) {
				duplicate = true
				break
			}
		}
		if !duplicate {
			themes = append(themes, f)
		}
	}
	out.Findings = themes
	out.Confidence = weightedConfidence(children)

	values := make([]string, 0, len(themes))
	for _, f := range themes {
		values = append(values, f.Value)
	}
	out.Answer = strings.Join(values, "; ")
}

// reduceUnion handles search and aggregation queries: union of matches,
// de-duplicated by value and location, respecting any narrowing the
// strategy selector already applied upstream.
func reduceUnion(children []Child, out *models.AggregateResult) {
	out.Findings = mergeFindings(children, func(f models.Finding) string {
		return f.Type + "\x00" + f.Value + "\x00" + f.Location
	})
	out.Confidence = weightedConfidence(children)
	out.Answer = strconv.Itoa(len(out.Findings)) + " matches"
}

// mergeFindings concatenates child findings in canonical order. When key
// is non-nil, duplicates by key are collapsed, keeping the
// highest-confidence instance.
func mergeFindings(children []Child, key func(models.Finding) string) []models.Finding {
	var all []models.Finding
	for _, c := range children {
		all = append(all, c.Result.Findings...)
	}
	sortFindings(all)
	if key == nil {
		return all
	}
	best := map[string]models.Finding{}
	var order []string
	for _, f := range all {
		k := key(f)
		if cur, ok := best[k]; !ok {
			best[k] = f
			order = append(order, k)
		} else if f.Confidence > cur.Confidence {
			best[k] = f
		}
	}
	deduped := make([]models.Finding, 0, len(order))
	for _, k := range order {
		deduped = append(deduped, best[k])
	}
	return deduped
}

// weightedConfidence averages child confidences weighted by how much
// evidence each child contributed.
func weightedConfidence(children []Child) float64 {
	var sum, weight float64
	for _, c := range children {
		w := float64(len(c.Result.Findings))
		if w == 0 {
			w = 1
		}
		sum += c.Result.Confidence * w
		weight += w
	}
	if weight == 0 {
		return 0
	}
	return sum / weight
}

func contributors(children []Child) []string {
	set := map[string]bool{}
	for _, c := range children {
		set[c.TaskID] = true
		for _, id := range c.Result.ContributingTaskIDs {
			set[id] = true
		}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func childLimitations(children []Child) []string {
	var out []string
	for _, c := range children {
		out = append(out, c.Result.Limitations...)
	}
	return out
}

func dedupeSorted(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	sort.Strings(in)
	out := in[:1]
	for _, s := range in[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}

func sortFindings(fs []models.Finding) {
	sort.Slice(fs, func(i, j int) bool {
		if fs[i].Type != fs[j].Type {
			return fs[i].Type < fs[j].Type
		}
		if fs[i].Item != fs[j].Item {
			return fs[i].Item < fs[j].Item
		}
		if fs[i].Value != fs[j].Value {
			return fs[i].Value < fs[j].Value
		}
		return fs[i].Location < fs[j].Location
	})
}

func normalizeTheme(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	lastSpace := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastSpace = false
		default:
			if !lastSpace && b.Len() > 0 {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}
