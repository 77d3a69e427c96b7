package streaming

import "strings"

// Discord-flavored defaults.
const (
	DefaultSoftCap  = 1800
	DefaultHardCap  = 2000
	DefaultEmbedCap = 4096

	// TruncationMarker is appended when a hard cut lands mid-line.
	TruncationMarker = "... [truncated]"

	fenceCloser = "\n```"
)

// SplitAction is the decision for one progressive snapshot.
type SplitAction int

const (
	// ActionContinue keeps editing the current message.
	ActionContinue SplitAction = iota
	// ActionBuffer holds the edit back: the text is inside an open code
	// fence near the cap and must not be cut yet.
	ActionBuffer
	// ActionSplit closes one or more messages.
	ActionSplit
)

// SplitDecision is the outcome of Track for one snapshot.
type SplitDecision struct {
	Action SplitAction

	// Current is the text the current message should show (ActionContinue).
	Current string

	// Chunks is populated for ActionSplit: the first chunk replaces the
	// current message, middle chunks become new finished messages, and the
	// last chunk is the new current message.
	Chunks []string
}

// SplitTracker consumes progressive snapshots of one streamed response and
// decides message boundaries under the platform caps. Lengths are measured
// in bytes, which over-counts multi-byte text and therefore never exceeds
// the platform's character limit.
type SplitTracker struct {
	softCap int
	hardCap int

	seen  int    // snapshot bytes already ingested
	carry string // current message content, including synthetic fence glue
}

// NewSplitTracker creates a tracker. Non-positive caps fall back to the
// Discord defaults.
func NewSplitTracker(softCap, hardCap int) *SplitTracker {
	if softCap <= 0 {
		softCap = DefaultSoftCap
	}
	if hardCap <= 0 {
		hardCap = DefaultHardCap
	}
	if softCap > hardCap {
		softCap = hardCap
	}
	return &SplitTracker{softCap: softCap, hardCap: hardCap}
}

// Remainder returns the current message content.
func (t *SplitTracker) Remainder() string {
	return t.carry
}

// Track ingests the next snapshot of the accumulated response and decides
// what the platform side should do. Snapshots are expected to be monotone
// extensions of each other; a shorter snapshot resets the tracker.
func (t *SplitTracker) Track(snapshot string) SplitDecision {
	if len(snapshot) < t.seen {
		t.carry = snapshot
		t.seen = len(snapshot)
	} else {
		t.carry += snapshot[t.seen:]
		t.seen = len(snapshot)
	}
	current := t.carry

	if len(current) < t.softCap {
		return SplitDecision{Action: ActionContinue, Current: current}
	}

	if len(current) <= t.hardCap {
		fence := analyzeFences(current)
		if fence.open {
			if chunk, rest, ok := preemptiveSplit(current, fence); ok {
				t.carry = rest
				return SplitDecision{Action: ActionSplit, Chunks: []string{chunk, rest}}
			}
			return SplitDecision{Action: ActionBuffer}
		}
		if chunk, rest, ok := boundedSplit(current, t.hardCap); ok {
			t.carry = rest
			return SplitDecision{Action: ActionSplit, Chunks: []string{chunk, rest}}
		}
		return SplitDecision{Action: ActionContinue, Current: current}
	}

	// Past the hard cap: close messages until the remainder fits.
	var chunks []string
	rest := current
	for len(rest) > t.hardCap {
		var chunk string
		chunk, rest = forceSplit(rest, t.hardCap)
		chunks = append(chunks, chunk)
	}
	chunks = append(chunks, rest)
	t.carry = rest
	return SplitDecision{Action: ActionSplit, Chunks: chunks}
}

// SplitForEmbeds splits a finished response into embed-description parts,
// honoring the same fence-integrity rules. The cap defaults to 4096.
func SplitForEmbeds(text string, capLimit int) []string {
	if capLimit <= 0 {
		capLimit = DefaultEmbedCap
	}

	var parts []string
	rest := text
	for len(rest) > capLimit {
		var part string
		part, rest = forceSplit(rest, capLimit)
		parts = append(parts, part)
	}
	return append(parts, rest)
}

// forceSplit cuts one chunk of at most hardCap bytes off the front of s,
// closing and reopening a code fence across the boundary if needed.
func forceSplit(s string, hardCap int) (string, string) {
	if chunk, rest, ok := boundedSplit(s, hardCap); ok {
		return chunk, rest
	}

	// No boundary at all: hard-cut, reserving room for the marker and a
	// fence closer if one is open at the cut.
	reserve := len(TruncationMarker)
	if hardCap > reserve && analyzeFences(s[:hardCap-reserve]).open {
		reserve += len(fenceCloser)
	}
	cut := hardCap - reserve
	chunk := s[:cut] + TruncationMarker
	rest := s[cut:]
	return bridgeFence(chunk, rest)
}

// boundedSplit cuts s at the best boundary within hardCap such that the
// bridged chunk, fence closer included, still fits. ok is false when no
// usable boundary exists.
func boundedSplit(s string, hardCap int) (chunk, rest string, ok bool) {
	limit := hardCap
	if limit > len(s) {
		limit = len(s)
	}
	cut := bestBoundary(s[:limit])
	if cut <= 0 {
		return "", "", false
	}
	chunk, rest = splitAtBoundary(s, cut)
	if len(chunk) <= hardCap {
		return chunk, rest, true
	}

	// The fence closer pushed the chunk past the cap; cut early enough
	// to leave it room.
	if hardCap <= len(fenceCloser) {
		return "", "", false
	}
	cut = bestBoundary(s[:hardCap-len(fenceCloser)])
	if cut <= 0 {
		return "", "", false
	}
	chunk, rest = splitAtBoundary(s, cut)
	return chunk, rest, true
}

// splitAtBoundary cuts s at a boundary index, tidying whitespace and
// bridging an open fence.
func splitAtBoundary(s string, cut int) (string, string) {
	chunk := strings.TrimRight(s[:cut], " \n")
	rest := strings.TrimLeft(s[cut:], "\n")
	return bridgeFence(chunk, rest)
}

// bridgeFence closes an unbalanced fence at the end of chunk and reopens it
// with the same language at the start of rest.
func bridgeFence(chunk, rest string) (string, string) {
	fence := analyzeFences(chunk)
	if !fence.open {
		return chunk, rest
	}
	return chunk + fenceCloser, "```" + fence.lang + "\n" + rest
}

// bestBoundary finds the cut point for s: the last blank line, else a
// newline in the final fifth, else a space. Returns -1 when nothing usable
// exists.
func bestBoundary(s string) int {
	if i := strings.LastIndex(s, "\n\n"); i > 0 {
		return i
	}
	if i := strings.LastIndex(s, "\n"); i >= len(s)*4/5 {
		return i
	}
	if i := strings.LastIndex(s, " "); i > 0 {
		return i
	}
	return -1
}

type fenceInfo struct {
	open      bool
	lang      string
	openStart int // byte offset of the line that opened the current fence
}

// analyzeFences scans for ``` fence lines and reports whether the text ends
// inside an open fence.
func analyzeFences(s string) fenceInfo {
	info := fenceInfo{openStart: -1}
	offset := 0
	for {
		lineEnd := strings.IndexByte(s[offset:], '\n')
		var line string
		if lineEnd < 0 {
			line = s[offset:]
		} else {
			line = s[offset : offset+lineEnd]
		}

		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			if info.open {
				info.open = false
				info.lang = ""
				info.openStart = -1
			} else {
				info.open = true
				info.lang = strings.TrimPrefix(trimmed, "```")
				info.openStart = offset
			}
		}

		if lineEnd < 0 {
			break
		}
		offset += lineEnd + 1
	}
	return info
}

// preemptiveSplit handles a snapshot that crossed the soft cap while ending
// with a freshly opened fence: split before the opener so the next message
// owns the whole fence.
func preemptiveSplit(s string, fence fenceInfo) (string, string, bool) {
	if fence.openStart <= 0 {
		return "", "", false
	}
	// Fresh means nothing after the opener line yet.
	after := strings.TrimRight(s[fence.openStart:], "\n")
	if strings.Contains(after, "\n") {
		return "", "", false
	}
	chunk := strings.TrimRight(s[:fence.openStart], "\n")
	if chunk == "" {
		return "", "", false
	}
	return chunk, s[fence.openStart:], true
}
