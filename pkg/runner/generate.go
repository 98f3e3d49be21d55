package runner

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"strconv"

	"github.com/openmined/flowmesh/pkg/aggregate"
)

// GenerateRunner produces a random numeric contribution. It is the demo
// contributor workload for secure-aggregation flows; real deployments
// register their own runners.
type GenerateRunner struct{}

func (r *GenerateRunner) Run(_ context.Context, rc RunContext) error {
	count := intInput(rc.Inputs, "count", 5)
	max := intInput(rc.Inputs, "max", 100)

	numbers := make([]float64, count)
	sum := 0.0

	for i := range numbers {
		numbers[i] = float64(rand.Intn(max) + 1)
		sum += numbers[i]
	}

	contribution := &aggregate.Contribution{
		SessionID: rc.Session.SessionID,
		Numbers:   numbers,
		Sum:       sum,
	}

	path := rc.OutputPaths["numbers"]
	if path == "" {
		path = filepath.Join(rc.WorkDir, "numbers.json")
	}

	if err := aggregate.WriteContribution(path, contribution); err != nil {
		return err
	}

	fmt.Fprintf(rc.LogWriter, "generated %d numbers, sum=%g\n", count, sum)

	return nil
}

func intInput(inputs map[string]string, key string, fallback int) int {
	raw, ok := inputs[key]
	if !ok {
		return fallback
	}

	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}

	return value
}
