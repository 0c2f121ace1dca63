package denial

import (
	"context"
	"fmt"
	"strings"

	"github.com/ehr/claimflow/internal/domain/claim"
	"github.com/ehr/claimflow/internal/platform/assistant"
)

// Asker is the assistant call the advisor needs.
type Asker interface {
	Ask(ctx context.Context, in assistant.Request) (*assistant.Response, error)
}

// AssistantAdvisor asks the LLM assistant for next steps on a denial. Each
// non-empty line of the reply becomes one recommended action.
type AssistantAdvisor struct {
	asker Asker
}

func NewAssistantAdvisor(a Asker) *AssistantAdvisor {
	return &AssistantAdvisor{asker: a}
}

func (a *AssistantAdvisor) Recommend(ctx context.Context, c *claim.Claim, an *Analysis) ([]string, error) {
	resp, err := a.asker.Ask(ctx, assistant.Request{
		Prompt: denialPrompt(c, an),
		Context: assistant.Context{
			ApplicationType: "claim_automation",
			Page:            "denial_analysis",
			Role:            "billing",
			AllowedActions:  []string{"correct_claim", "file_appeal", "manual_review"},
		},
	})
	if err != nil {
		return nil, err
	}

	var out []string
	for _, line := range strings.Split(resp.Reply, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*0123456789.) "))
		if line != "" {
			out = append(out, line)
		}
	}
	if resp.Action != nil && resp.Action.Type != "" && resp.Action.PredictedImpact != "" {
		out = append(out, fmt.Sprintf("%s: %s", resp.Action.Type, resp.Action.PredictedImpact))
	}
	return out, nil
}

func denialPrompt(c *claim.Claim, an *Analysis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Claim %s to payer %s for $%.2f was denied.\n", c.ClaimNumber, c.PayerID, claim.RoundAmount(c.TotalAmount))
	if len(an.DenialCodes) > 0 {
		fmt.Fprintf(&b, "Denial codes: %s\n", strings.Join(an.DenialCodes, ", "))
	}
	fmt.Fprintf(&b, "Denial reasons: %s\n", strings.Join(an.DenialReasons, "; "))
	if c.ProcedureCode != "" {
		fmt.Fprintf(&b, "Procedure code: %s\n", c.ProcedureCode)
	}
	fmt.Fprintf(&b, "Estimated appeal probability: %d%%\n", an.AppealProbability)
	b.WriteString("List the next actions for the billing team, one per line.")
	return b.String()
}
