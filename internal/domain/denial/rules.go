package denial

import (
	"strconv"
	"strings"
)

// Strategies used by rules to derive a proposed value from the claim.
const (
	proposeProcedureBump = "procedure_bump"
	proposeAddModifier   = "add_modifier"
	proposeAttach        = "attach_documents"
	proposeReverify      = "reverify"
)

// Rule maps payer denial codes (CARC/RARC) and reason phrases to one
// correction. Rules are data: adding a payer code means adding an entry.
type Rule struct {
	Name          string
	Codes         []string
	Phrases       []string
	Type          string
	Field         string
	Confidence    int
	Justification string
	Strategy      string
	// Value parameterises the strategy (the modifier to add, for instance).
	Value string
	// Documents are attached for documentation corrections and listed as
	// appeal support.
	Documents []string
	Grounds   string
	Action    string
}

// DefaultRules is the built-in denial table.
var DefaultRules = []Rule{
	{
		Name:          "missing_documentation",
		Codes:         []string{"CO-16", "M127", "N706", "CO-252"},
		Phrases:       []string{"missing documentation", "documentation not received", "records not received"},
		Type:          CorrectionDocumentation,
		Field:         "documentation",
		Confidence:    90,
		Justification: "Payer reported missing supporting documentation; attaching clinical records.",
		Strategy:      proposeAttach,
		Documents:     []string{"clinical_notes", "medical_records"},
		Grounds:       "Complete clinical documentation supporting the billed service is attached.",
		Action:        "Attach clinical notes and medical records, then resubmit",
	},
	{
		Name:          "incorrect_procedure_code",
		Codes:         []string{"CO-11", "CO-181"},
		Phrases:       []string{"incorrect procedure code", "procedure code inconsistent with diagnosis", "invalid procedure code"},
		Type:          CorrectionCodeChange,
		Field:         "procedure_code",
		Confidence:    85,
		Justification: "Payer reported an incorrect procedure code; proposing the adjacent code level.",
		Strategy:      proposeProcedureBump,
		Grounds:       "The procedure code reflects the level of service documented in the record.",
		Action:        "Review procedure coding against the encounter note",
	},
	{
		Name:          "missing_modifier",
		Codes:         []string{"CO-4"},
		Phrases:       []string{"missing modifier", "inconsistent with the modifier"},
		Type:          CorrectionModifierAdd,
		Field:         "modifiers",
		Confidence:    80,
		Justification: "Payer reported a missing or inconsistent modifier; adding modifier 25.",
		Strategy:      proposeAddModifier,
		Value:         "25",
		Grounds:       "A significant, separately identifiable service was rendered on the same day.",
		Action:        "Confirm modifier usage with the rendering provider",
	},
	{
		Name:          "patient_identity",
		Codes:         []string{"CO-31", "CO-140"},
		Phrases:       []string{"patient cannot be identified", "patient name", "subscriber id"},
		Type:          CorrectionPatientInfo,
		Field:         "patient_id",
		Confidence:    75,
		Justification: "Payer could not match the patient; demographics must be re-verified.",
		Strategy:      proposeReverify,
		Action:        "Re-verify patient demographics and subscriber id with the payer",
	},
}

// matches reports whether the rule applies to any code or reason.
func (r Rule) matches(codes, reasons []string) bool {
	for _, code := range codes {
		for _, rc := range r.Codes {
			if strings.EqualFold(strings.TrimSpace(code), rc) {
				return true
			}
		}
	}
	for _, reason := range reasons {
		lower := strings.ToLower(reason)
		for _, phrase := range r.Phrases {
			if strings.Contains(lower, phrase) {
				return true
			}
		}
	}
	return false
}

// propose derives original and proposed values for the claim field the
// rule targets. derived is false when no new value follows from the claim;
// the proposal then repeats the original value for review.
func (r Rule) propose(procedureCode string, modifiers, documentation []string) (original, proposed string, derived bool) {
	switch r.Strategy {
	case proposeProcedureBump:
		next, ok := bumpCode(procedureCode)
		if !ok {
			return procedureCode, procedureCode, false
		}
		return procedureCode, next, true
	case proposeAddModifier:
		original = strings.Join(modifiers, ",")
		for _, m := range modifiers {
			if m == r.Value {
				return original, original, false
			}
		}
		return original, strings.Join(append(append([]string(nil), modifiers...), r.Value), ","), true
	case proposeAttach:
		original = strings.Join(documentation, ",")
		merged := mergeUnique(documentation, r.Documents)
		if len(merged) == len(documentation) {
			return original, original, false
		}
		return original, strings.Join(merged, ","), true
	case proposeReverify:
		return "", "re-verify with payer", true
	}
	return "", "", false
}

// bumpCode returns the next numeric procedure code of the same width.
func bumpCode(code string) (string, bool) {
	n, err := strconv.Atoi(code)
	if err != nil || code == "" {
		return "", false
	}
	next := strconv.Itoa(n + 1)
	if len(next) > len(code) {
		return "", false
	}
	return strings.Repeat("0", len(code)-len(next)) + next, true
}

func mergeUnique(base, extra []string) []string {
	out := append([]string(nil), base...)
	seen := make(map[string]bool, len(base))
	for _, v := range base {
		seen[v] = true
	}
	for _, v := range extra {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
