package history

import (
	"sort"

	"github.com/loopwright/agentcore/pkg/providers"
	"github.com/loopwright/agentcore/pkg/tokencount"
)

const (
	// safeThresholdRatio leaves headroom for the response and for
	// tokencount's coarse estimation error.
	safeThresholdRatio = 0.58
	// responseReserve is subtracted from the safe threshold before
	// deciding whether trimming is needed at all.
	responseReserve = 500
	// recentWindow is the number of most-recent messages considered
	// separately from the rest ("recent" vs "older") during trimming.
	recentWindow = 10
	// anchorImportance is the minimum importance that marks a message as
	// an anchor, preserved through every trim.
	anchorImportance = 10
)

// TrimConfig carries the per-request numbers the Trimmer needs; ModelContext
// and MaxResponse come from the active provider/model, not from history.
type TrimConfig struct {
	ModelContext int
	MaxResponse  int
}

// Trimmer reduces history to fit the model's context window, preserving the
// first high-importance anchor message and the most recent conversation,
// admitting older messages by importance until the budget runs out.
// Grounded on the teacher's pruneHistoryForContext/compactOldChitChat, with
// importance-ranked admission replacing the teacher's flat head/tail cutoff.
type Trimmer struct{}

func NewTrimmer() *Trimmer { return &Trimmer{} }

// Trim returns history unchanged if it already fits comfortably under the
// safe threshold; otherwise it returns a reduced copy per the spec's
// anchor-then-recent-then-older admission algorithm. Pair atomicity is not
// this function's concern — callers must run the Sanitizer afterward.
func (t *Trimmer) Trim(history []providers.Message, systemPrompt string, cfg TrimConfig) []providers.Message {
	if len(history) == 0 || cfg.ModelContext <= 0 {
		return history
	}

	safe := safeThresholdRatio * float64(cfg.ModelContext)
	systemTokens := tokencount.Estimate(systemPrompt)
	historyTokens := tokencount.EstimateMessages(history)

	if float64(systemTokens)+float64(historyTokens)+responseReserve <= safe {
		return history
	}

	anchorIdx := -1
	for i, msg := range history {
		if msg.Role == "user" && msg.Importance >= anchorImportance {
			anchorIdx = i
			break
		}
	}

	var anchor *providers.Message
	anchorTokens := uint(0)
	rest := history
	if anchorIdx >= 0 {
		a := history[anchorIdx]
		anchor = &a
		anchorTokens = tokencount.Estimate(a.Content) + 4
		rest = make([]providers.Message, 0, len(history)-1)
		rest = append(rest, history[:anchorIdx]...)
		rest = append(rest, history[anchorIdx+1:]...)
	}

	budget := int64(safe) - int64(systemTokens) - int64(anchorTokens)
	if budget < 0 {
		budget = 0
	}

	recentStart := len(rest) - recentWindow
	if recentStart < 0 {
		recentStart = 0
	}
	older := rest[:recentStart]
	recent := rest[recentStart:]

	admittedRecent := make(map[int]bool, len(recent))
	remaining := budget
	for i := len(recent) - 1; i >= 0; i-- {
		cost := int64(messageTokens(recent[i]))
		if cost > remaining {
			continue
		}
		admittedRecent[i] = true
		remaining -= cost
	}

	type rankedMsg struct {
		idx int
		msg providers.Message
	}
	ranked := make([]rankedMsg, len(older))
	for i, m := range older {
		ranked[i] = rankedMsg{idx: i, msg: m}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].msg.Importance > ranked[j].msg.Importance
	})

	admittedOlder := make(map[int]bool, len(older))
	for _, r := range ranked {
		cost := int64(messageTokens(r.msg))
		if cost > remaining {
			continue
		}
		admittedOlder[r.idx] = true
		remaining -= cost
	}

	out := make([]providers.Message, 0, len(history))
	if anchor != nil {
		out = append(out, *anchor)
	}
	for i, m := range older {
		if admittedOlder[i] {
			out = append(out, m)
		}
	}
	for i, m := range recent {
		if admittedRecent[i] {
			out = append(out, m)
		}
	}

	return out
}

func messageTokens(msg providers.Message) uint {
	return tokencount.EstimateMessages([]providers.Message{msg})
}

// Ladder implements the escalating token-limit-exceeded retry sequence
// (spec §4.8 "On a token-limit API error…"): attempt 1 keeps ~50% most
// recent plus the anchor, attempt 2 ~25%, attempt 3 anchor plus the last 2
// messages. Attempt is 1-indexed; ok is false once the ladder is exhausted
// (attempt > 3) or history already has 3 or fewer messages, meaning there
// is nothing further to trim and the caller should surface a fatal,
// explanatory error instead of retrying again.
func (t *Trimmer) Ladder(history []providers.Message, attempt int) (reduced []providers.Message, ok bool) {
	if attempt < 1 || attempt > 3 || len(history) <= 3 {
		return nil, false
	}

	anchorIdx := -1
	for i, msg := range history {
		if msg.Role == "user" && msg.Importance >= anchorImportance {
			anchorIdx = i
			break
		}
	}

	var anchor *providers.Message
	rest := history
	if anchorIdx >= 0 {
		a := history[anchorIdx]
		anchor = &a
		rest = make([]providers.Message, 0, len(history)-1)
		rest = append(rest, history[:anchorIdx]...)
		rest = append(rest, history[anchorIdx+1:]...)
	}

	var kept []providers.Message
	switch attempt {
	case 1:
		kept = tailFraction(rest, 0.5)
	case 2:
		kept = tailFraction(rest, 0.25)
	case 3:
		kept = rest
		if len(kept) > 2 {
			kept = kept[len(kept)-2:]
		}
	}

	out := make([]providers.Message, 0, len(kept)+1)
	if anchor != nil {
		out = append(out, *anchor)
	}
	out = append(out, kept...)

	return out, true
}

func tailFraction(messages []providers.Message, fraction float64) []providers.Message {
	if len(messages) == 0 {
		return messages
	}
	keep := int(float64(len(messages)) * fraction)
	if fraction > 0 && keep < 1 {
		keep = 1
	}
	if keep >= len(messages) {
		return messages
	}
	return messages[len(messages)-keep:]
}
