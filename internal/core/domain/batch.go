package domain

import "github.com/google/uuid"

// Batch is the transactional unit handed to the submitter: an ordered
// sequence of units submitted together. Either every unit reaches
// ExecConfirmed or the whole batch is reported failed.
type Batch struct {
	ID    string           `json:"id"`
	Index int              `json:"index"` // Position within one execute call
	Units []DeploymentUnit `json:"units"`
}

// NewBatch creates a batch with a fresh ID.
func NewBatch(index int, units []DeploymentUnit) Batch {
	return Batch{
		ID:    uuid.New().String(),
		Index: index,
		Units: units,
	}
}

// Names returns the unit names in submission order.
func (b Batch) Names() []string {
	names := make([]string, len(b.Units))
	for i, u := range b.Units {
		names[i] = u.Name
	}
	return names
}

// Unit returns the named unit of the batch.
func (b Batch) Unit(name string) (DeploymentUnit, bool) {
	for _, u := range b.Units {
		if u.Name == name {
			return u, true
		}
	}
	return DeploymentUnit{}, false
}
