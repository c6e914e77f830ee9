// Package assemble builds the per-turn system prompt under a hard token
// budget from conversation stats, recent messages, always-include text, and
// retrieved context.
package assemble

import (
	"fmt"
	"strings"

	"cumulus/internal/logging"
)

// Budget constants, fixed at build.
const (
	RecentContextCount  = 10
	RecentMsgMaxTokens  = 500
	TotalContextBudget  = 120000
	RecentContextBudget = 6000

	// Character budget per token when truncating a single recent message.
	truncateCharsPerToken = 3
)

// Stats summarizes the conversation so far.
type Stats struct {
	Count       int
	TotalTokens int
}

// RecentMessage is one conversation message fed into the recent-context block,
// latest-last.
type RecentMessage struct {
	Role    string
	Content string
}

// Input carries everything the assembler needs for one turn.
type Input struct {
	Stats               Stats
	SessionID           string
	Recent              []RecentMessage
	UserQuery           string
	AlwaysInclude       string
	AlwaysIncludeTokens int

	// Retrieve produces the retrieved-context block for the given token
	// budget. Failures are logged and treated as empty context.
	Retrieve func(budget int) (string, error)

	// Externalize writes oversized user input to the content store and
	// returns its id. Nil disables externalization.
	Externalize func(text string) (string, error)
}

// Output is the assembled prompt plus the possibly-rewritten user input.
type Output struct {
	SystemPrompt string
	UserInput    string
}

// Assembler builds system prompts.
type Assembler struct {
	counter *TokenCounter
}

// New creates an assembler with default token calibration.
func New() *Assembler {
	return &Assembler{counter: NewTokenCounter()}
}

// externalizeThreshold is the token count above which user input is written
// to the content store and replaced with a sentinel.
const externalizeThreshold = 20000

// Build assembles the system prompt and decides whether the user input is
// sent inline or stored externally.
func (a *Assembler) Build(in Input) Output {
	userTokens := a.counter.CountString(in.UserQuery)

	ragBudget := TotalContextBudget - userTokens - in.AlwaysIncludeTokens - RecentContextBudget
	if ragBudget < 0 {
		ragBudget = 0
	}

	retrieved := ""
	if in.Retrieve != nil {
		var err error
		retrieved, err = in.Retrieve(ragBudget)
		if err != nil {
			logging.Get(logging.CategoryContext).Warn("Retrieval failed, proceeding with empty context: %v", err)
			retrieved = ""
		}
	}

	recentBlock := a.formatRecent(in.Recent)

	userInput := in.UserQuery
	if in.Externalize != nil && userTokens > externalizeThreshold {
		id, err := in.Externalize(in.UserQuery)
		if err != nil {
			logging.Get(logging.CategoryContext).Warn("Failed to externalize user input: %v", err)
		} else {
			userInput = fmt.Sprintf("[STORED:%s]", id)
			logging.ContextDebug("Externalized user input (%d tokens) as %s", userTokens, id)
		}
	}

	prompt := fmt.Sprintf(promptTemplate,
		in.Stats.Count,
		in.Stats.TotalTokens,
		in.SessionID,
		in.AlwaysInclude,
		recentBlock,
		retrieved,
	)

	return Output{SystemPrompt: prompt, UserInput: userInput}
}

// formatRecent renders the recent-conversation block. Messages are considered
// newest-to-oldest and prepended while they fit the recent budget; the walk
// stops at the first message that would exceed it. The emitted block is
// oldest-first.
func (a *Assembler) formatRecent(recent []RecentMessage) string {
	budget := RecentContextBudget
	var lines []string

	for i := len(recent) - 1; i >= 0; i-- {
		line := fmt.Sprintf("%s: %s", recent[i].Role, truncateMessage(recent[i].Content))
		cost := a.counter.CountString(line)
		if cost > budget {
			break
		}
		budget -= cost
		lines = append([]string{line}, lines...)
	}

	return strings.Join(lines, "\n")
}

// truncateMessage bounds one message to RecentMsgMaxTokens.
func truncateMessage(content string) string {
	limit := RecentMsgMaxTokens * truncateCharsPerToken
	runes := []rune(content)
	if len(runes) <= limit {
		return content
	}
	return string(runes[:limit]) + "... [truncated]"
}

// promptTemplate is the fixed turn template. The trailing instruction block
// describing fallback retrieval tools is constant across turns.
const promptTemplate = `You are an agent in a shared workspace. Conversation so far: %d messages, ~%d tokens. Session: %s

## Always include
%s

## Recent conversation
%s

## Retrieved context
%s

## Fallback retrieval
If the context above is missing something you need, use the history tools:
- search_history(query) finds past messages by keyword.
- get_content(id) expands any [STORED:<id>] sentinel to its full body.
Prefer the retrieved context; reach for the tools only when it is insufficient.`
