// Package retrieval finds past conversation context relevant to a query
// using weighted keyword scoring over the history log and content store.
package retrieval

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"cumulus/internal/assemble"
	"cumulus/internal/logging"
	"cumulus/internal/thread"
)

// Retriever scores history messages against query keywords and formats the
// best hits into a budget-bounded context block.
type Retriever struct {
	maxResults int
	counter    *assemble.TokenCounter
}

// New creates a retriever with default limits.
func New() *Retriever {
	return &Retriever{
		maxResults: 50,
		counter:    assemble.NewTokenCounter(),
	}
}

var (
	identifierPattern = regexp.MustCompile("\\b([A-Za-z_][A-Za-z0-9_]{2,})\\b")
	quotedPattern     = regexp.MustCompile("[\"'`]([A-Za-z_][A-Za-z0-9_.-]*)[\"'`]")
)

// commonWords are skipped during keyword extraction.
var commonWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "have": true, "are": true, "was": true,
	"you": true, "your": true, "can": true, "will": true, "not": true,
	"but": true, "all": true, "any": true, "out": true, "use": true,
	"please": true, "what": true, "when": true, "how": true, "about": true,
}

// extractKeywords pulls weighted keywords from the query. Quoted identifiers
// weigh more than plain words; longer tokens weigh more than short ones.
func extractKeywords(query string) map[string]float64 {
	weights := make(map[string]float64)

	for _, match := range quotedPattern.FindAllStringSubmatch(query, -1) {
		kw := strings.ToLower(match[1])
		if !commonWords[kw] {
			weights[kw] = 1.0
		}
	}

	for _, match := range identifierPattern.FindAllStringSubmatch(query, -1) {
		kw := strings.ToLower(match[1])
		if commonWords[kw] {
			continue
		}
		if _, ok := weights[kw]; ok {
			continue
		}
		if len(kw) >= 6 {
			weights[kw] = 0.7
		} else {
			weights[kw] = 0.4
		}
	}

	return weights
}

// scored pairs a message with its relevance.
type scored struct {
	msg   thread.Message
	score float64
}

// Retrieve formats a context block for the query from past messages and
// externalized blobs, bounded by budgetTokens.
func (r *Retriever) Retrieve(query string, history *thread.HistoryLog, content *thread.ContentStore, budgetTokens int) (string, error) {
	if budgetTokens <= 0 {
		return "", nil
	}

	keywords := extractKeywords(query)
	if len(keywords) == 0 {
		return "", nil
	}

	var hits []scored
	for _, m := range history.GetAll() {
		lower := strings.ToLower(m.Content)
		score := 0.0
		matched := 0
		for kw, w := range keywords {
			if n := strings.Count(lower, kw); n > 0 {
				matched++
				score += w * float64(min(n, 5))
			}
		}
		if matched == 0 {
			continue
		}
		// Messages matching several distinct keywords beat repeated hits on one.
		score *= 1.0 + 0.5*float64(matched-1)
		hits = append(hits, scored{msg: m, score: score})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].score > hits[j].score
	})
	if len(hits) > r.maxResults {
		hits = hits[:r.maxResults]
	}

	var b strings.Builder
	used := 0
	included := 0
	for _, h := range hits {
		line := fmt.Sprintf("[%s %s] %s\n", h.msg.ID, h.msg.Role, h.msg.Content)
		cost := r.counter.CountString(line)
		if used+cost > budgetTokens {
			continue
		}
		b.WriteString(line)
		used += cost
		included++
	}

	// Point at matching externalized blobs without inlining their bodies.
	if content != nil {
		for kw := range keywords {
			ids, err := content.Search(kw)
			if err != nil {
				logging.Get(logging.CategoryRetrieval).Warn("Content search failed for %q: %v", kw, err)
				break
			}
			for _, id := range ids {
				line := fmt.Sprintf("[STORED:%s] matches %q\n", id, kw)
				cost := r.counter.CountString(line)
				if used+cost > budgetTokens {
					break
				}
				b.WriteString(line)
				used += cost
			}
		}
	}

	logging.Get(logging.CategoryRetrieval).Debug("Retrieved %d/%d messages for query (%d/%d tokens)",
		included, len(hits), used, budgetTokens)
	return strings.TrimRight(b.String(), "\n"), nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
