package generate

import (
	"regexp"
	"strings"

	"github.com/quarryhq/quarry/internal/llm"
)

// Prompt modes.
const (
	ModeNumericTotal = "NUMERIC_TOTAL"
	ModeList         = "LIST"
	ModeClause       = "CLAUSE"
	ModeDefault      = "DEFAULT"
	ModeFact         = "FACT"
	ModeGreeting     = "GREETING"
)

var (
	numericModeRx = regexp.MustCompile(`(?i)\b(total|sum|amount|how much|how many|spend|spent|cost|fees?|balance|due)\b`)
	listModeRx    = regexp.MustCompile(`(?i)\b(list|enumerate|itemi[sz]e|what are (?:the|all)|bullet)\b`)
	clauseModeRx  = regexp.MustCompile(`(?i)\b(clause|terms?|termination|liability|indemnif|governing law|warranty|obligations?)\b`)
	telegramRx    = regexp.MustCompile(`(?i)\b(telegram|plain text|no markdown)\b`)
	greetingRx    = regexp.MustCompile(`(?i)^\s*(hi|hiya|hello|hey|howdy|yo|namaste|good\s+(morning|afternoon|evening))\s*[!.?]*\s*$`)
)

const greetingReply = "Hello! Ask me anything about your documents and I'll answer with citations."

// IsGreeting reports whether the query is a bare greeting.
func IsGreeting(q string) bool {
	return greetingRx.MatchString(q)
}

// selectMode picks the prompt style from the query.
func selectMode(q string) string {
	switch {
	case numericModeRx.MatchString(q):
		return ModeNumericTotal
	case listModeRx.MatchString(q):
		return ModeList
	case clauseModeRx.MatchString(q):
		return ModeClause
	}
	return ModeDefault
}

const systemPrompt = `You answer questions strictly from the provided sources.
Cite sources inline using their footnote markers, e.g. [^1].
Return ONLY a JSON object: {"answer": "...", "citations": [{"n": 1}], "confidence": 0.0}
confidence is your own 0-1 estimate. Never invent facts that are not in the sources.`

const strictRetryPrompt = `CRITICAL: Return ONLY a valid JSON object matching
{"answer": "...", "citations": [{"n": 1}], "confidence": 0.0} with no other text.`

var modeDirectives = map[string]string{
	ModeNumericTotal: "Answer with the exact figure first, formatted like \"Total: 1234.56 [^1]\", then one short supporting sentence.",
	ModeList:         "Answer as a concise bullet list, one cited item per line.",
	ModeClause:       "Quote or closely paraphrase the relevant clause text and name its section if available.",
	ModeDefault:      "Answer in two to four sentences.",
}

// buildMessages assembles the chat for a packed context.
func buildMessages(q, context, mode string, plainText bool) []llm.Message {
	var sb strings.Builder
	sb.WriteString("Sources:\n\n")
	sb.WriteString(context)
	sb.WriteString("\n\nQuestion: ")
	sb.WriteString(q)
	sb.WriteString("\n\n")
	sb.WriteString(modeDirectives[mode])
	if plainText {
		sb.WriteString(" Use plain text only: no markdown, no formatting characters.")
	}
	return []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: sb.String()},
	}
}
