package platform

import "strings"

// MaxMessageLength is the platform's per-message character budget.
const MaxMessageLength = 2000

// ContinuationMarker prefixes every chunk after the first.
const ContinuationMarker = "**(continued...)**\n"

// SplitMessage splits text into chunks that fit MaxMessageLength, breaking on
// line boundaries where possible. Chunks after the first get the continuation
// marker prepended; the marker's length is budgeted for so no chunk overflows.
func SplitMessage(text string) []string {
	if len(text) <= MaxMessageLength {
		return []string{text}
	}

	budget := MaxMessageLength - len(ContinuationMarker)

	var chunks []string
	var b strings.Builder
	limit := MaxMessageLength // first chunk carries no marker

	flush := func() {
		if b.Len() == 0 {
			return
		}
		chunks = append(chunks, strings.TrimRight(b.String(), "\n"))
		b.Reset()
		limit = budget
	}

	for _, line := range strings.Split(text, "\n") {
		// A single line longer than the budget is split hard. The slice
		// point is captured first: flush shrinks limit to the marker-adjusted
		// budget for subsequent chunks.
		for len(line) > limit {
			if b.Len() > 0 {
				flush()
				continue
			}
			n := limit
			b.WriteString(line[:n])
			flush()
			line = line[n:]
		}
		if b.Len()+len(line)+1 > limit {
			flush()
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	flush()

	for i := 1; i < len(chunks); i++ {
		chunks[i] = ContinuationMarker + chunks[i]
	}
	return chunks
}
