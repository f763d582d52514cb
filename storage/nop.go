package storage

import (
	"context"

	"github.com/SissiFeng/ot2-piloting/experiment"
)

// NopRecorder discards results. Used when no database is configured.
type NopRecorder struct{}

// SaveResult does nothing.
func (NopRecorder) SaveResult(context.Context, experiment.Result) error { return nil }

// History returns an empty list.
func (NopRecorder) History(context.Context, string, int) ([]experiment.Result, error) {
	return nil, nil
}
