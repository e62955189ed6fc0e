package reasoner

import (
	"fmt"
	"strings"
)

// promptHeader sets the role and the output contract. The schema is spelled
// out verbatim and reinforced with an example because small local models
// drift without one.
const promptHeader = `You are a ticket triage assistant for an issue tracker.

You are given a SOURCE ticket and a numbered list of CANDIDATE tickets that
are textually similar to it. For EVERY candidate, decide the relationship
from the source ticket's perspective:

- "duplicate": the source describes the same problem as the candidate.
- "blocks": the source must be resolved before the candidate can proceed.
- "relates_to": meaningfully connected, but neither duplicate nor blocking.
- "none": surface similarity only, no actionable relationship.

Also derive triage metadata for the SOURCE ticket:
- a one-sentence user story ("As a <role>, I want <goal>, so that <benefit>"),
- 2 to 5 concrete acceptance criteria,
- a priority: one of "lowest", "low", "medium", "high", "highest".

Respond with ONLY a JSON object, no prose before or after, in exactly this shape:

{
  "decisions": [
    {"target_key": "<candidate key>", "relation": "duplicate|blocks|relates_to|none", "confidence": 0.0, "rationale": "<one sentence>"}
  ],
  "artifact": {
    "user_story": "<one sentence>",
    "acceptance_criteria": ["<criterion>", "..."],
    "priority": "lowest|low|medium|high|highest"
  }
}

Rules:
- Include one decision per candidate, using only the candidate keys given.
- confidence is a number between 0 and 1.
- Never invent ticket keys.`

// promptExample is a single few-shot exchange. One example measurably
// improves schema adherence on small models without bloating the prompt.
const promptExample = `Example input:

SOURCE TICKET APP-7: "Login button unresponsive on Safari. Tapping login does nothing on iOS Safari 17."
CANDIDATES:
1. APP-3 (similarity 0.91): "Login broken in Safari. Users report the login form does not submit on Safari."
2. APP-5 (similarity 0.78): "Add OAuth login. Support Google and GitHub sign-in."

Example output:

{
  "decisions": [
    {"target_key": "APP-3", "relation": "duplicate", "confidence": 0.93, "rationale": "Both report login submission failing on Safari."},
    {"target_key": "APP-5", "relation": "none", "confidence": 0.8, "rationale": "OAuth support is a feature request, not the Safari defect."}
  ],
  "artifact": {
    "user_story": "As an iOS Safari user, I want the login button to submit the form, so that I can access my account.",
    "acceptance_criteria": ["Login submits successfully on iOS Safari 17", "Regression test covers Safari login"],
    "priority": "high"
  }
}`

// buildPrompt renders the full prompt for one triage run: header, few-shot
// example, then the actual source ticket and candidates.
func buildPrompt(in Input) string {
	var b strings.Builder
	b.WriteString(promptHeader)
	b.WriteString("\n\n")
	b.WriteString(promptExample)
	b.WriteString("\n\nNow the real input.\n\n")

	fmt.Fprintf(&b, "SOURCE TICKET %s: %q\n", in.Source.Key, in.Source.Text())
	if in.Source.Priority != "" {
		fmt.Fprintf(&b, "Current priority: %s\n", in.Source.Priority)
	}
	b.WriteString("CANDIDATES:\n")
	for _, c := range in.Candidates {
		text := in.Targets[c.TargetKey].Text()
		fmt.Fprintf(&b, "%d. %s (similarity %.2f): %q\n", c.Rank, c.TargetKey, c.Score, text)
	}

	return b.String()
}
