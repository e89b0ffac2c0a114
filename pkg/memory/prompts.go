package memory

import (
	"fmt"
	"strings"
)

// summaryInstructions asks the model for a calibration-focused summary of a
// turn range, under a soft word budget, tagged with topic labels.
func summaryInstructions(turnStart, turnEnd int) string {
	return fmt.Sprintf(`Summarize this conversation segment (Turns %d-%d). Begin your summary with the turn range.

Prioritize user calibration above all else. This summary exists so Koedy can know and serve this user better over time.

Extract and preserve:
- Who the user is: personality traits, values, communication style, humor, depth preference
- What matters to them: ongoing life situations, relationships, stressors, goals, interests
- Emotional patterns: what affects them, how they process, what support looks like for them
- Interaction dynamics: what works well, what falls flat, how they respond to different approaches
- Ongoing threads: unresolved topics, commitments made, things to follow up on

Guidelines:
- Weight relational and emotional context over technical minutiae; who the user IS matters more than what they asked about
- Do not significantly overlap with previous summaries; reference ongoing threads but add new context rather than restating
- Include context tags: simple labels [creative, technical, personal, emotional, etc.]
- Maximize information per token; no markdown (this summary is for your own context, not the user)
- Do not exceed 250 words unless critical calibration information would be lost`, turnStart, turnEnd)
}

const compressionInstructions = `Compress the following conversation summary into 1-4 concise bullet points for long-term ancient history storage. Use fewer when the conversation segment is straightforward; use more only when significant calibration details would be lost.

Preserve only what matters for ongoing calibration with this user:
- Key discoveries about who they are
- Significant emotional moments or relationship developments
- Decisions or commitments that affect future conversations
- Context that would be lost without preservation

Be extremely concise. Maximize information per token. No markdown. Each bullet should be one substantive line starting with a dash.`

// buildSummaryContent assembles the single user-role payload for a summary
// call: prior summaries for continuity, the verbatim segment, then the
// instructions.
func buildSummaryContent(prev []Summary, batch []Message, turnStart, turnEnd int) string {
	var b strings.Builder
	if len(prev) > 0 {
		b.WriteString("Previous summaries for context continuity (do not repeat - use to connect threads and reduce overlap):\n\n")
		for _, sm := range prev {
			fmt.Fprintf(&b, "Turns %d-%d: %s\n\n", sm.TurnStart, sm.TurnEnd, sm.SummaryText)
		}
		b.WriteString("---\n\n")
	}

	b.WriteString("New conversation segment to summarize:\n\n")
	for _, m := range batch {
		switch m.Role {
		case RoleAssistant:
			b.WriteString("Koedy: ")
		case RoleSystem:
			// Archival markers render bare.
		default:
			b.WriteString("User: ")
		}
		b.WriteString(m.Content)
		b.WriteString("\n\n")
	}

	b.WriteString("\n\n")
	b.WriteString(summaryInstructions(turnStart, turnEnd))
	return b.String()
}

func buildCompressionContent(sm Summary) string {
	return fmt.Sprintf("Summary of Turns %d-%d:\n%s\n\n%s", sm.TurnStart, sm.TurnEnd, sm.SummaryText, compressionInstructions)
}

// noteProtocolBlock describes the note-tag protocol to the model. Appended
// to every assembled system prompt.
const noteProtocolBlock = `

=== NOTE SYSTEM ===
You have access to three note types you can update by including these tags in your response. You have full permission to use and utilize these at your discretion on when to update as you see fit to ensure ideal collaboration between yourself and the user; YOU get to decide when to add/edit these.
[ACTIVE NOTE: your content here] - Use freely/whimsically as a scratchpad, not as a rigid tracker, for temporary context (up to a week or so; no rigid timeframe constraint), casual thoughts, current focus, etc. (500 word limit)
[ONGOING NOTE: your content here] - For medium-term (50+ Turns) context (tracking projects or other topic threads), things to watch for or "keep in mind" - include current status and tags to search for in the future when deeper context is needed (1000 word limit)
[PERMANENT NOTE: your content here] - Will NOT be deleted - maximize information per token here especially - use (sparingly) for relationship milestones, significant moments, achievements, important events, etc - (2000 word limit)
These notes persist across conversations and remain in future context (but are hidden from the user), allowing you to track threads over time, including mapping your own uncertainty or confidence. Update them when user provides new or corrective information that you want to remember for future context or when context shifts or something important happens.
`
