package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bdobrica/Kagami/internal/kagami/registry"
	"github.com/bdobrica/Kagami/internal/kagami/store"
)

// OnboardingTool gets or sets identity-specific onboarding instructions.
// With instructions present it writes (replace or append); without, it reads.
type OnboardingTool struct {
	Store *store.Store
}

func (t *OnboardingTool) Definition() registry.Tool {
	def, _ := registry.SparseTool("onboarding")
	return def
}

func (t *OnboardingTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	identity, _ := args["identity"].(string)
	if identity == "" {
		return "", fmt.Errorf("identity is required")
	}

	instructions, hasInstructions := args["instructions"].(string)
	if !hasInstructions {
		text, ok, err := t.Store.GetInstructions(identity)
		if err != nil {
			return "", err
		}
		if !ok {
			return fmt.Sprintf(
				"# Onboarding for %s\n\nNo onboarding instructions found.\n\n"+
					"To add onboarding, use:\nonboarding(identity=%q, instructions=\"Your instructions here\")",
				identity, identity,
			), nil
		}
		return text, nil
	}

	appendMode, _ := args["append"].(bool)
	if appendMode {
		combined, err := t.Store.AppendInstructions(identity, instructions)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Onboarding appended for %s.\n\nInstructions:\n%s", identity, combined), nil
	}
	if err := t.Store.SetInstructions(identity, instructions); err != nil {
		return "", err
	}
	return fmt.Sprintf("Onboarding set for %s.\n\nInstructions:\n%s", identity, instructions), nil
}

// OnboardingListTool lists every identity with stored instructions.
type OnboardingListTool struct {
	Store *store.Store
}

func (t *OnboardingListTool) Definition() registry.Tool {
	return registry.Tool{
		Name:        "onboarding_list",
		Description: "List all identities with stored onboarding instructions",
		InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
	}
}

func (t *OnboardingListTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	identities, err := t.Store.ListIdentities()
	if err != nil {
		return "", err
	}
	if len(identities) == 0 {
		return "No onboarding identities found.", nil
	}
	var b strings.Builder
	b.WriteString("# Available Onboarding Identities\n")
	for _, id := range identities {
		fmt.Fprintf(&b, "\n- **%s**: Updated %s", id.Identity, id.UpdatedAt.Format("2006-01-02"))
	}
	return b.String(), nil
}

// OnboardingDeleteTool removes an identity's instructions.
type OnboardingDeleteTool struct {
	Store *store.Store
}

func (t *OnboardingDeleteTool) Definition() registry.Tool {
	return registry.Tool{
		Name:        "onboarding_delete",
		Description: "Delete onboarding instructions for a specific identity",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"identity": {"type": "string", "description": "The identity to delete onboarding for"}
			},
			"required": ["identity"]
		}`),
	}
}

func (t *OnboardingDeleteTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	identity, _ := args["identity"].(string)
	if identity == "" {
		return "", fmt.Errorf("identity is required")
	}
	deleted, err := t.Store.DeleteInstructions(identity)
	if err != nil {
		return "", err
	}
	if !deleted {
		return fmt.Sprintf("No onboarding found for %s", identity), nil
	}
	return fmt.Sprintf("Deleted onboarding for %s", identity), nil
}
