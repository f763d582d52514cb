// Package wellpool manages the plate's supply of physical wells. Wells are
// consumed by experiments and never returned to the pool: the plate is
// single-use, replaced between runs.
package wellpool

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/SissiFeng/ot2-piloting/errors"
)

// Plate geometry: 96 wells, rows A-H, columns 1-12.
var (
	plateRows    = []string{"A", "B", "C", "D", "E", "F", "G", "H"}
	plateColumns = 12
)

// Well status values.
const (
	StatusEmpty = "empty"
	StatusUsed  = "used"
)

// Pool is the well reservation collaborator consumed by the scheduler.
type Pool interface {
	// FindUnused returns all wells not yet assigned to any task, sorted in
	// row-major plate order. It fails with ErrNoWellsAvailable when the
	// plate is exhausted.
	FindUnused(ctx context.Context) ([]string, error)

	// MarkUsed consumes the given wells. There is no release operation.
	MarkUsed(ctx context.Context, wells []string) error
}

// AllWells returns every well token on a fresh plate, in row-major order.
func AllWells() []string {
	wells := make([]string, 0, len(plateRows)*plateColumns)
	for _, row := range plateRows {
		for col := 1; col <= plateColumns; col++ {
			wells = append(wells, fmt.Sprintf("%s%d", row, col))
		}
	}
	return wells
}

// SortWells orders well tokens row-major: A1, A2, ..., A12, B1, ...
func SortWells(wells []string) {
	sort.Slice(wells, func(i, j int) bool {
		ri, ci := splitWell(wells[i])
		rj, cj := splitWell(wells[j])
		if ri != rj {
			return ri < rj
		}
		return ci < cj
	})
}

func splitWell(well string) (string, int) {
	if len(well) < 2 {
		return well, 0
	}
	col, _ := strconv.Atoi(well[1:])
	return well[:1], col
}

// MemoryPool is an in-process pool over a fresh 96-well plate.
type MemoryPool struct {
	mu     sync.Mutex
	status map[string]string
}

// NewMemoryPool creates a pool with every well empty.
func NewMemoryPool() *MemoryPool {
	status := make(map[string]string, len(plateRows)*plateColumns)
	for _, well := range AllWells() {
		status[well] = StatusEmpty
	}
	return &MemoryPool{status: status}
}

// FindUnused implements Pool.
func (p *MemoryPool) FindUnused(_ context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var unused []string
	for well, st := range p.status {
		if st == StatusEmpty {
			unused = append(unused, well)
		}
	}
	if len(unused) == 0 {
		return nil, errors.ErrNoWellsAvailable
	}
	SortWells(unused)
	return unused, nil
}

// MarkUsed implements Pool.
func (p *MemoryPool) MarkUsed(_ context.Context, wells []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, well := range wells {
		if _, ok := p.status[well]; !ok {
			return errors.WrapInvalid(
				fmt.Errorf("well %s is not on the plate", well),
				"MemoryPool", "MarkUsed", "validate well")
		}
		p.status[well] = StatusUsed
	}
	return nil
}
