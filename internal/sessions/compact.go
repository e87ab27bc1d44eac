package sessions

// CompactConfig bounds the prompt view built from a session log.
type CompactConfig struct {
	MaxContextTokens int
	KeepRecent       int
	Estimator        TokenEstimator
}

// CompactResult is the outcome of one compaction pass. Retained is the
// chronological slice that fits the budget; Dropped is everything removed,
// oldest first, for the caller to fold into the running summary.
type CompactResult struct {
	Retained  []Message
	Dropped   []Message
	Compacted bool
}

// SummaryMessage renders a running summary as a prompt message. Callers place
// it right after the leading system message when building provider requests.
func SummaryMessage(summary string) Message {
	return Message{
		Role:       RoleSystem,
		Content:    "Summary of earlier conversation:\n" + summary,
		Importance: ImportanceHigh,
	}
}

// Compact reduces msgs to fit the token budget. The pass is a pure function
// of its inputs and is idempotent: running it on its own Retained output with
// the same summary drops nothing further.
//
// Retention rules, in order:
//   - the leading system message (if any) always stays
//   - the last KeepRecent messages always stay, extended backwards so a tool
//     result is never separated from the call that produced it
//   - low-importance messages drop first, oldest first
//   - then normal importance, oldest first
//   - then, only if still over budget, everything else oldest first
//
// Messages drop as units: an assistant tool call and its results go together.
//
// The pinned set wins over the budget: when the system head plus the
// KeepRecent tail alone exceed MaxContextTokens, the retained view stays
// over budget rather than losing recent context.
func Compact(msgs []Message, summary string, cfg CompactConfig) CompactResult {
	est := cfg.Estimator
	if est == nil {
		est = EstimateTokens
	}
	keep := cfg.KeepRecent
	if keep <= 0 {
		keep = 10
	}

	overhead := 0
	if summary != "" {
		overhead = est(SummaryMessage(summary))
	}
	budget := cfg.MaxContextTokens - overhead
	if budget < 0 {
		budget = 0
	}

	if TotalTokens(msgs, est) <= budget {
		return CompactResult{Retained: msgs}
	}

	// Split off the pinned head and tail.
	head := 0
	if len(msgs) > 0 && msgs[0].Role == RoleSystem {
		head = 1
	}
	tailStart := len(msgs) - keep
	if tailStart < head {
		tailStart = head
	}
	tailStart = extendTailForToolPairs(msgs, tailStart, head)

	pinned := 0
	for i := 0; i < head; i++ {
		pinned += tokensOf(msgs[i], est)
	}
	for i := tailStart; i < len(msgs); i++ {
		pinned += tokensOf(msgs[i], est)
	}

	units := groupUnits(msgs, head, tailStart)
	middle := 0
	for _, u := range units {
		middle += u.tokens(msgs, est)
	}

	total := pinned + middle
	dropUnit := func(u *unit) {
		total -= u.tokens(msgs, est)
		u.dropped = true
	}

	for _, pass := range []Importance{ImportanceLow, ImportanceNormal, ImportanceHigh} {
		for i := range units {
			if total <= budget {
				break
			}
			u := &units[i]
			if u.dropped || u.importance(msgs) != pass {
				continue
			}
			dropUnit(u)
		}
		if total <= budget {
			break
		}
	}

	retained := make([]Message, 0, len(msgs))
	dropped := make([]Message, 0)
	retained = append(retained, msgs[:head]...)
	for _, u := range units {
		if u.dropped {
			dropped = append(dropped, msgs[u.start:u.end]...)
		} else {
			retained = append(retained, msgs[u.start:u.end]...)
		}
	}
	retained = append(retained, msgs[tailStart:]...)

	return CompactResult{
		Retained:  retained,
		Dropped:   dropped,
		Compacted: len(dropped) > 0,
	}
}

// unit is a half-open message range [start,end) that drops atomically.
type unit struct {
	start, end int // indices into the full msgs slice
	dropped    bool
}

func (u unit) tokens(msgs []Message, est TokenEstimator) int {
	t := 0
	for i := u.start; i < u.end; i++ {
		t += tokensOf(msgs[i], est)
	}
	return t
}

// importance of a unit is the most expendable member's, so a normal assistant
// turn bundled with its tool results still drops in the normal pass.
func (u unit) importance(msgs []Message) Importance {
	imp := ImportanceHigh
	for i := u.start; i < u.end; i++ {
		switch msgs[i].Importance {
		case ImportanceLow:
			return ImportanceLow
		case ImportanceNormal:
			imp = ImportanceNormal
		}
	}
	return imp
}

func tokensOf(m Message, est TokenEstimator) int {
	if m.Tokens > 0 {
		return m.Tokens
	}
	return est(m)
}

// groupUnits bundles an assistant message carrying tool calls with the tool
// results that answer it, over the range [from,to) of msgs.
func groupUnits(msgs []Message, from, to int) []unit {
	var units []unit
	i := from
	for i < to {
		end := i + 1
		if msgs[i].Role == RoleAssistant && len(msgs[i].ToolCalls) > 0 {
			ids := make(map[string]bool, len(msgs[i].ToolCalls))
			for _, tc := range msgs[i].ToolCalls {
				ids[tc.ID] = true
			}
			for end < to && msgs[end].Role == RoleTool && ids[msgs[end].ToolCallID] {
				end++
			}
		}
		units = append(units, unit{start: i, end: end})
		i = end
	}
	return units
}

// extendTailForToolPairs walks the tail start backwards until it does not
// begin mid tool exchange: a tool result at the boundary pulls in its call.
func extendTailForToolPairs(msgs []Message, tailStart, head int) int {
	for tailStart > head && msgs[tailStart].Role == RoleTool {
		id := msgs[tailStart].ToolCallID
		found := false
		for j := tailStart - 1; j >= head; j-- {
			if msgs[j].Role == RoleAssistant {
				for _, tc := range msgs[j].ToolCalls {
					if tc.ID == id {
						tailStart = j
						found = true
						break
					}
				}
				break
			}
		}
		if !found {
			break
		}
	}
	return tailStart
}
