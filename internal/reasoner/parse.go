package reasoner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sabaki-ai/sabaki/internal/model"
)

// Wire shapes for the model's JSON reply. Confidence tolerates both bare
// and quoted numbers; relation and priority stay strings and are validated
// after decode.
type wireResponse struct {
	Decisions []wireDecision `json:"decisions"`
	Artifact  *wireArtifact  `json:"artifact"`
}

type wireDecision struct {
	TargetKey  string         `json:"target_key"`
	Relation   string         `json:"relation"`
	Confidence wireConfidence `json:"confidence"`
	Rationale  string         `json:"rationale"`
}

// wireConfidence accepts 0.9 and "0.9". A malformed confidence poisons
// only its own decision, not the whole reply.
type wireConfidence struct {
	value float64
	ok    bool
}

func (c *wireConfidence) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		return nil
	}
	var f float64
	if err := json.Unmarshal([]byte(s), &f); err != nil {
		return nil
	}
	c.value, c.ok = f, true
	return nil
}

type wireArtifact struct {
	UserStory          string   `json:"user_story"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	Priority           string   `json:"priority"`
}

// extractJSON strips markdown code fences and any prose around the JSON
// object. Models often wrap output in ```json fences or lead with a
// sentence despite instructions; taking the outermost {...} span repairs
// both without touching the payload.
func extractJSON(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

// parse validates raw model output against the input candidates. It never
// trusts the reply: hallucinated targets are dropped, out-of-vocabulary
// relations become "none", a confidence outside [0,1] demotes its decision
// to "none", a bad priority falls back to the ticket's current one, and
// omitted candidates get a synthesized "none" decision so every candidate
// has exactly one.
func (a *Agent) parse(raw string, in Input) (Result, error) {
	payload, ok := extractJSON(raw)
	if !ok {
		return Result{}, fmt.Errorf("%w: no JSON object in reply", ErrMalformedOutput)
	}

	var wire wireResponse
	if err := json.Unmarshal([]byte(payload), &wire); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}

	inSet := make(map[string]bool, len(in.Candidates))
	for _, c := range in.Candidates {
		inSet[c.TargetKey] = true
	}

	decided := make(map[string]model.LinkDecision, len(in.Candidates))
	for _, wd := range wire.Decisions {
		if !inSet[wd.TargetKey] {
			a.logger.Warn("reasoner: dropping decision for hallucinated target",
				"source", in.Source.Key, "target", wd.TargetKey)
			continue
		}
		if _, dup := decided[wd.TargetKey]; dup {
			a.logger.Warn("reasoner: dropping duplicate decision for target",
				"source", in.Source.Key, "target", wd.TargetKey)
			continue
		}

		kind, ok := model.ParseRelationKind(wd.Relation)
		if !ok {
			a.logger.Warn("reasoner: unknown relation, coercing to none",
				"source", in.Source.Key, "target", wd.TargetKey, "relation", wd.Relation)
			kind = model.RelationNone
		}

		// A write decision needs a confidence that parses as a float in
		// [0,1]; anything else is not trusted and the decision becomes a
		// non-decision rather than a tracker write.
		conf := wd.Confidence.value
		usable := wd.Confidence.ok && conf >= 0 && conf <= 1
		if !usable {
			if kind != model.RelationNone {
				a.logger.Warn("reasoner: unusable confidence, coercing to none",
					"source", in.Source.Key, "target", wd.TargetKey,
					"confidence", wd.Confidence.value)
				kind = model.RelationNone
			}
			conf = 0
		}

		decided[wd.TargetKey] = model.LinkDecision{
			SourceKey:  in.Source.Key,
			TargetKey:  wd.TargetKey,
			Kind:       kind,
			Confidence: conf,
			Rationale:  strings.TrimSpace(wd.Rationale),
		}
	}

	// Preserve candidate order; fill gaps with explicit non-decisions.
	decisions := make([]model.LinkDecision, 0, len(in.Candidates))
	for _, c := range in.Candidates {
		if d, ok := decided[c.TargetKey]; ok {
			decisions = append(decisions, d)
			continue
		}
		a.logger.Warn("reasoner: candidate omitted from reply, recording none",
			"source", in.Source.Key, "target", c.TargetKey)
		decisions = append(decisions, model.LinkDecision{
			SourceKey: in.Source.Key,
			TargetKey: c.TargetKey,
			Kind:      model.RelationNone,
		})
	}

	artifact, err := a.parseArtifact(wire.Artifact, in)
	if err != nil {
		return Result{}, err
	}

	return Result{Decisions: decisions, Artifact: artifact}, nil
}

func (a *Agent) parseArtifact(wa *wireArtifact, in Input) (model.DerivedArtifact, error) {
	if wa == nil || strings.TrimSpace(wa.UserStory) == "" {
		return model.DerivedArtifact{}, fmt.Errorf("%w: missing artifact", ErrMalformedOutput)
	}

	priority, ok := model.ParsePriority(wa.Priority)
	if !ok {
		// The priority write is an optimization, not a correctness
		// requirement. Keep the ticket's current priority instead of
		// failing the run.
		a.logger.Warn("reasoner: invalid priority, keeping current",
			"source", in.Source.Key, "priority", wa.Priority)
		priority = in.Source.Priority
	}

	criteria := make([]string, 0, len(wa.AcceptanceCriteria))
	for _, c := range wa.AcceptanceCriteria {
		if c = strings.TrimSpace(c); c != "" {
			criteria = append(criteria, c)
		}
	}

	return model.DerivedArtifact{
		UserStory:          strings.TrimSpace(wa.UserStory),
		AcceptanceCriteria: criteria,
		Priority:           priority,
	}, nil
}
