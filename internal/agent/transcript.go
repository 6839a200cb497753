package agent

import (
	"log/slog"
	"strings"
	"unicode/utf8"
)

// headerCutset is trimmed around a marker word when detecting header lines.
const headerCutset = " \t#*:：-=[]()"

// Solution delimiters used by the agent's final answer.
const (
	SolutionStart = "<solution>"
	SolutionEnd   = "</solution>"
)

// ExtractSolution returns the text between the first solution delimiter pair,
// or the trimmed input when the pair is missing or out of order.
// ExtractSolution(ExtractSolution(s)) == ExtractSolution(s).
func ExtractSolution(text string) string {
	if start := strings.Index(text, SolutionStart); start >= 0 {
		body := text[start+len(SolutionStart):]
		if end := strings.Index(body, SolutionEnd); end >= 0 {
			return strings.TrimSpace(body[:end])
		}
	}
	return strings.TrimSpace(text)
}

// Segments are the thinking and plan fragments pulled out of an agent log.
type Segments struct {
	Thinking string
	Plan     string
}

// Segmenter extracts thinking/plan fragments from agent log text by looking
// for marker substrings. It is approximate text slicing, not a parser.
type Segmenter struct {
	ThinkingMarker string
	PlanMarker     string
	EndMarkers     []string
	FallbackLen    int // runes taken when no end marker follows
}

// DefaultSegmenter matches the markers the agent prompt asks for.
func DefaultSegmenter() Segmenter {
	return Segmenter{
		ThinkingMarker: "생각",
		PlanMarker:     "계획",
		EndMarkers:     []string{"<execute>", "<observation>", "<solution>", "\n\n## "},
		FallbackLen:    1000,
	}
}

// Segment never fails: anything unexpected yields empty segments.
func (sg Segmenter) Segment(text string) (out Segments) {
	defer func() {
		if r := recover(); r != nil {
			slog.Debug("Log segmentation failed", "panic", r)
			out = Segments{}
		}
	}()
	if text == "" || sg.ThinkingMarker == "" || sg.PlanMarker == "" {
		return Segments{}
	}

	thinkIdx := strings.Index(text, sg.ThinkingMarker)
	planIdx := strings.Index(text, sg.PlanMarker)

	if thinkIdx >= 0 {
		var end int
		if planIdx > thinkIdx {
			end = planIdx
			// Leave decorations such as "## " or "**" in front of the plan marker to the plan.
			lineStart := strings.LastIndex(text[:planIdx], "\n") + 1
			if lineStart > thinkIdx && strings.Trim(text[lineStart:planIdx], headerCutset) == "" {
				end = lineStart
			}
		} else {
			end = sg.sectionEnd(text, thinkIdx+len(sg.ThinkingMarker))
		}
		out.Thinking = stripHeader(text[thinkIdx:end], sg.ThinkingMarker)
	}
	if planIdx >= 0 {
		end := sg.sectionEnd(text, planIdx+len(sg.PlanMarker))
		out.Plan = stripHeader(text[planIdx:end], sg.PlanMarker)
	}
	return out
}

// sectionEnd returns the byte offset of the first end marker at or after from,
// or from plus FallbackLen runes, capped at len(text).
func (sg Segmenter) sectionEnd(text string, from int) int {
	end := -1
	for _, m := range sg.EndMarkers {
		if m == "" {
			continue
		}
		if i := strings.Index(text[from:], m); i >= 0 && (end < 0 || from+i < end) {
			end = from + i
		}
	}
	if end >= 0 {
		return end
	}

	limit := sg.FallbackLen
	if limit <= 0 {
		limit = 1000
	}
	pos := from
	for n := 0; n < limit && pos < len(text); n++ {
		_, size := utf8.DecodeRuneInString(text[pos:])
		pos += size
	}
	return pos
}

// stripHeader drops a first line that holds only the marker word, otherwise
// removes the marker prefix and any separator after it.
func stripHeader(segment, marker string) string {
	segment = strings.TrimSpace(segment)
	first, rest, _ := strings.Cut(segment, "\n")
	if strings.Trim(first, headerCutset) == marker {
		return strings.TrimSpace(rest)
	}
	segment = strings.TrimPrefix(segment, marker)
	segment = strings.TrimLeft(segment, " \t:：-")
	return strings.TrimSpace(segment)
}
