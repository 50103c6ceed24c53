package gate

import "context"

// Confirmer asks a human whether a high-risk action may run.
type Confirmer interface {
	Confirm(ctx context.Context, name, summary string) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, name, summary string) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, name, summary string) (bool, error) {
	return f(ctx, name, summary)
}

// AutoApprove approves everything.
type AutoApprove struct{}

func (AutoApprove) Confirm(context.Context, string, string) (bool, error) { return true, nil }

// DenyAll declines everything.
type DenyAll struct{}

func (DenyAll) Confirm(context.Context, string, string) (bool, error) { return false, nil }

// Policy answers from allow and deny lists by tool name and defers anything
// else to Fallback. Deny wins over allow. A nil Fallback declines.
type Policy struct {
	Allow    []string
	Deny     []string
	Fallback Confirmer
}

func (p Policy) Confirm(ctx context.Context, name, summary string) (bool, error) {
	for _, n := range p.Deny {
		if n == name {
			return false, nil
		}
	}
	for _, n := range p.Allow {
		if n == name {
			return true, nil
		}
	}
	if p.Fallback == nil {
		return false, nil
	}
	return p.Fallback.Confirm(ctx, name, summary)
}
