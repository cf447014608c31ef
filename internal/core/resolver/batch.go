package resolver

import "github.com/artpar/dualdeploy/internal/core/domain"

// =============================================================================
// Batch Planning
// =============================================================================

// PlanBatches groups resolved units into batches.
//
// Units are placed in resolved order, each into the first batch that comes
// strictly after every batch holding one of its same-call dependencies and
// still has room, because the network must settle a batch before the next
// one can reference what it produced. A new batch is opened only when no
// existing one qualifies. maxBatchSize of zero or less means unlimited.
//
// Batches are returned in submission order and units inside a batch keep the
// resolved order.
//
// Example:
//
//	// Token, Vault(dependsOn Token), Faucet
//	batches := PlanBatches(res, 0)
//	// batches[0].Units == [Token, Faucet]
//	// batches[1].Units == [Vault]
func PlanBatches(res *Resolution, maxBatchSize int) []domain.Batch {
	if res == nil || len(res.Ordered) == 0 {
		return nil
	}

	placed := make(map[string]int, len(res.Ordered))
	var groups [][]domain.DeploymentUnit

	for _, u := range res.Ordered {
		first := 0
		for _, dep := range res.DependenciesOf(u.Name) {
			if at, ok := placed[dep]; ok && at+1 > first {
				first = at + 1
			}
		}

		at := first
		for at < len(groups) && maxBatchSize > 0 && len(groups[at]) >= maxBatchSize {
			at++
		}
		if at == len(groups) {
			groups = append(groups, nil)
		}
		groups[at] = append(groups[at], u)
		placed[u.Name] = at
	}

	batches := make([]domain.Batch, len(groups))
	for i, units := range groups {
		batches[i] = domain.NewBatch(i, units)
	}
	return batches
}
