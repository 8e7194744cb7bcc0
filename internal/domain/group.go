package domain

import "fmt"

type GroupID string

// Validate reports whether g can be part of a PeerID.
func (g GroupID) Validate() error {
	if err := validID(string(g)); err != nil {
		return fmt.Errorf("group %q: %w", g, err)
	}
	return nil
}

// Group is a study group; every member of a group addresses the others
// by PeerID without a discovery step.
type Group struct {
	ID GroupID `json:"id"`
}
