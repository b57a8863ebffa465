// Package partition splits a span of context into bounded-size chunks,
// preserving structural record boundaries where they can be detected and
// falling back to fixed windows with a bounded overlap where they cannot.
package partition

import (
	"strings"

	"github.com/fathom-engine/fathom/internal/workspace"
)

// Options controls chunk sizing. TargetSize and Overlap are in lines.
type Options struct {
	// TargetSize is the preferred maximum chunk size.
	TargetSize int `mapstructure:"partition_size_threshold" yaml:"partition_size_threshold"`
	// Overlap bounds how many lines adjacent unstructured windows may
	// share to avoid truncating a record mid-span. Structural splits
	// never overlap.
	Overlap int `mapstructure:"overlap_bound" yaml:"overlap_bound"`
}

// Spec describes one chunk to be created: its range within the parent and
// whether it is a single record that exceeded the target size. Oversized
// records are emitted whole rather than corrupted; what to do with them is
// the worker's decision, not the partitioner's.
type Spec struct {
	Range     workspace.Range
	Oversized bool
}

// Split partitions r into an ordered list of chunk specs. The returned
// ranges always cover r completely and in order; adjacent ranges overlap
// by at most Options.Overlap lines, and only on the unstructured path.
//
// lines must hold exactly the content of r (lines[0] is r.StartLine).
func Split(lines []string, r workspace.Range, opts Options) []Spec {
	if opts.TargetSize <= 0 || r.Lines() <= 0 {
		return []Spec{{Range: r}}
	}
	if r.Lines() <= opts.TargetSize {
		return []Spec{{Range: r}}
	}

	if records := detectRecords(lines); len(records) > 1 {
		return packRecords(records, r, opts.TargetSize)
	}
	return windows(r, opts.TargetSize, opts.Overlap)
}

// record is a structural unit found in the content, as a half-open line
// span relative to the start of the parent range.
type record struct {
	start, end int
}

// detectRecords finds structural boundaries: blank-line separations,
// markdown headers, and explicit record separators. Returns one record
// covering everything when no structure is detected.
func detectRecords(lines []string) []record {
	var boundaries []int
	for i, line := range lines {
		if i == 0 {
			continue
		}
		if isBoundary(line, lines[i-1]) {
			boundaries = append(boundaries, i)
		}
	}
	if len(boundaries) == 0 {
		return []record{{start: 0, end: len(lines)}}
	}

	records := make([]record, 0, len(boundaries)+1)
	prev := 0
	for _, b := range boundaries {
		records = append(records, record{start: prev, end: b})
		prev = b
	}
	records = append(records, record{start: prev, end: len(lines)})
	return records
}

func isBoundary(line, previous string) bool {
	trimmed := strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(trimmed, "# "),
		strings.HasPrefix(trimmed, "## "),
		strings.HasPrefix(trimmed, "### "):
		return true
	case trimmed == "---", trimmed == "===", trimmed == "\x1e":
		return true
	case trimmed != "" && strings.TrimSpace(previous) == "":
		// First non-blank line after a blank gap starts a record.
		return true
	}
	return false
}

// packRecords groups consecutive records into chunks of at most target
// lines. A single record larger than target becomes one oversized chunk.
// Coverage is exact and overlap zero: chunks are concatenations of
// adjacent records.
func packRecords(records []record, r workspace.Range, target int) []Spec {
	var specs []Spec
	cur := record{start: records[0].start, end: records[0].start}
	flush := func() {
		if cur.end > cur.start {
			specs = append(specs, Spec{Range: workspace.Range{
				StartLine: r.StartLine + cur.start,
				EndLine:   r.StartLine + cur.end,
			}})
		}
	}
	for _, rec := range records {
		size := rec.end - rec.start
		if size > target {
			flush()
			specs = append(specs, Spec{
				Range: workspace.Range{
					StartLine: r.StartLine + rec.start,
					EndLine:   r.StartLine + rec.end,
				},
				Oversized: true,
			})
			cur = record{start: rec.end, end: rec.end}
			continue
		}
		if cur.end-cur.start+size > target {
			flush()
			cur = record{start: rec.start, end: rec.start}
		}
		cur.end = rec.end
	}
	flush()
	return specs
}

// windows emits fixed-size windows stepping by target-overlap. The final
// window is clamped to the end of the range so coverage is exact.
func windows(r workspace.Range, target, overlap int) []Spec {
	if overlap < 0 || overlap >= target {
		overlap = 0
	}
	step := target - overlap
	var specs []Spec
	for start := r.StartLine; start < r.EndLine; start += step {
		end := start + target
		if end > r.EndLine {
			end = r.EndLine
		}
		specs = append(specs, Spec{Range: workspace.Range{StartLine: start, EndLine: end}})
		if end == r.EndLine {
			break
		}
	}
	return specs
}

// MergeAdjacent coalesces neighboring specs until at most max remain,
// preserving order and coverage. Used when a fan-out ceiling allows fewer
// children than the partitioner produced; merged chunks may exceed the
// target size and are the worker's problem.
func MergeAdjacent(specs []Spec, max int) []Spec {
	if max <= 0 || len(specs) <= max {
		return specs
	}
	merged := make([]Spec, 0, max)
	per := (len(specs) + max - 1) / max
	for i := 0; i < len(specs); i += per {
		j := i + per
		if j > len(specs) {
			j = len(specs)
		}
		spec := Spec{Range: workspace.Range{
			StartLine: specs[i].Range.StartLine,
			EndLine:   specs[j-1].Range.EndLine,
		}}
		for _, s := range specs[i:j] {
			if s.Oversized {
				spec.Oversized = true
			}
		}
		merged = append(merged, spec)
	}
	return merged
}
