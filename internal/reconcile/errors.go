package reconcile

import "fmt"

// ReconciliationError reports a structurally invalid edit found while walking
// or planning. No plan is produced when it is returned.
type ReconciliationError struct {
	Type   string
	ID     int64
	Path   string
	Reason string
}

func (e ReconciliationError) Error() string {
	subject := e.Type
	if e.ID != 0 {
		subject = fmt.Sprintf("%s#%d", e.Type, e.ID)
	}
	if e.Path != "" {
		return fmt.Sprintf("reconcile %s (%s): %s", e.Path, subject, e.Reason)
	}
	return fmt.Sprintf("reconcile %s: %s", subject, e.Reason)
}

func reject(p *Pair, format string, args ...any) error {
	err := ReconciliationError{Reason: fmt.Sprintf(format, args...)}
	if p != nil {
		err.Type = p.Type.Name
		err.Path = p.Path
		if n := p.node(); n != nil {
			err.ID = n.ID
		}
	}
	return err
}
