package runner

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/openmined/flowmesh/pkg/aggregate"
)

// AggregateRunner folds the replicated contributions into a single result
// artifact. It only ever sees contributions the quorum gate already admitted.
type AggregateRunner struct{}

func (r *AggregateRunner) Run(_ context.Context, rc RunContext) error {
	result, err := aggregate.Combine(rc.Session.SessionID, rc.Step.ID, rc.ContributionPaths)
	if err != nil {
		return err
	}

	path := rc.OutputPaths["result"]
	if path == "" {
		path = filepath.Join(rc.WorkDir, "result.json")
	}

	if err := aggregate.WriteResult(path, result); err != nil {
		return err
	}

	fmt.Fprintf(rc.LogWriter, "aggregated %d contributions (%s), total=%g\n",
		result.Count, strings.Join(result.Contributors, ", "), result.TotalSum)

	return nil
}
