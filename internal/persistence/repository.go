package persistence

import "dex-keeper-go/internal/models"

// StateRepository stores the agent state between restarts.
type StateRepository interface {
	// SaveState replaces the stored state in one transaction.
	SaveState(state *models.AgentState) error

	// LoadState returns (nil, nil) when nothing was saved yet.
	LoadState() (*models.AgentState, error)

	Close() error
}
