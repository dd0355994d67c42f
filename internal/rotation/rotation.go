// Package rotation walks a tier's item population fairly across scheduled
// runs: a persistent cursor guarantees every item is visited before any item
// is revisited, and a per-run budget keeps one run inside its tier period.
package rotation

import "time"

// Plan computes the population indexes one run visits, starting at cursor
// and wrapping modulo the population, plus the cursor for the next run.
// A budget larger than the population revisits early items in the same run.
// The cursor is reduced modulo the current population first, so a shrunken
// population moves the cursor back in range instead of stalling.
func Plan(cursor, population, budget int) (visits []int, next int) {
	if population <= 0 || budget <= 0 {
		return nil, 0
	}
	if cursor < 0 {
		cursor = 0
	}
	cursor %= population

	visits = make([]int, 0, budget)
	for i := 0; i < budget; i++ {
		visits = append(visits, (cursor+i)%population)
	}
	return visits, (cursor + budget) % population
}

// Budget caps how many items one run may process: the whole population,
// bounded by how many paced fetches fit into the tier period. Always at
// least one for a non-empty population, so a misconfigured pacing cannot
// stall the rotation entirely.
func Budget(population int, period, pacing time.Duration) int {
	if population <= 0 {
		return 0
	}
	if pacing <= 0 {
		return population
	}
	limit := int(period / pacing)
	if limit < 1 {
		limit = 1
	}
	if limit > population {
		return population
	}
	return limit
}
