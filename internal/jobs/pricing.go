package jobs

import (
	"fmt"

	"github.com/solidgen/backend/internal/models"
)

// PriceTable maps resolution to its cost in credits.
type PriceTable map[int]int

// DefaultPriceTable is used when no override is configured.
var DefaultPriceTable = PriceTable{512: 1, 1024: 3, 1536: 8}

func (t PriceTable) Cost(p models.JobParams) (int, error) {
	cost, ok := t[p.Resolution]
	if !ok {
		return 0, fmt.Errorf("%w: no price for resolution %d", ErrInvalidParams, p.Resolution)
	}
	return cost, nil
}
