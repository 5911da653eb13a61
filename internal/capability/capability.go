package capability

import "context"

// Reversibility classifies the real-world side-effect cost of an action.
// It is declared by the provider at registration and never inferred by the
// loop from model output.
type Reversibility string

const (
	Reversible   Reversibility = "reversible"
	Irreversible Reversibility = "irreversible"
)

// InvokeFunc is the invocation handle bound to an external provider.
// The dispatcher calls it with a bounded timeout.
type InvokeFunc func(ctx context.Context, args map[string]interface{}) (string, error)

// Capability is one named action exposed by a skill provider.
type Capability struct {
	Name          string
	Provider      string // owning skill provider, used for enable/disable
	Description   string
	Parameters    map[string]interface{} // JSON Schema for the argument mapping
	Reversibility Reversibility
	Invoke        InvokeFunc
}
