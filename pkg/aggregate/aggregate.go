// Package aggregate combines per-contributor numeric contributions into a
// single released result. The combination is an element-wise sum, so it is
// associative and commutative: contribution arrival order never changes the
// outcome.
package aggregate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"
)

var ErrNoContributions = errors.New("no contributions to aggregate")

// Contribution is the payload each contributor shares for aggregation.
type Contribution struct {
	SessionID string    `json:"session_id"`
	Numbers   []float64 `json:"numbers"`
	Sum       float64   `json:"sum"`
}

// Result is the only artifact the aggregation releases. It carries the
// combined sums and the contributor roster, never the raw per-contributor
// numbers.
type Result struct {
	SessionID    string    `json:"session_id"`
	StepID       string    `json:"step_id"`
	Contributors []string  `json:"contributors"`
	Count        int       `json:"count"`
	Sums         []float64 `json:"sums"`
	TotalSum     float64   `json:"total_sum"`
	AggregatedAt time.Time `json:"aggregated_at"`
}

// Combine reads each contributor's contribution file and folds them into one
// Result. Vectors of different lengths are summed position-wise, shorter
// ones padded with zero.
func Combine(sessionID, stepID string, contributionPaths map[string]string) (*Result, error) {
	if len(contributionPaths) == 0 {
		return nil, ErrNoContributions
	}

	contributors := make([]string, 0, len(contributionPaths))
	for contributor := range contributionPaths {
		contributors = append(contributors, contributor)
	}

	sort.Strings(contributors)

	var sums []float64

	total := 0.0

	for _, contributor := range contributors {
		contribution, err := readContribution(contributionPaths[contributor])
		if err != nil {
			return nil, fmt.Errorf("contribution from %s: %w", contributor, err)
		}

		if contribution.SessionID != "" && contribution.SessionID != sessionID {
			return nil, fmt.Errorf("contribution from %s belongs to session %s", contributor, contribution.SessionID)
		}

		for len(sums) < len(contribution.Numbers) {
			sums = append(sums, 0)
		}

		for i, n := range contribution.Numbers {
			sums[i] += n
			total += n
		}
	}

	return &Result{
		SessionID:    sessionID,
		StepID:       stepID,
		Contributors: contributors,
		Count:        len(contributors),
		Sums:         sums,
		TotalSum:     total,
		AggregatedAt: time.Now().UTC(),
	}, nil
}

func readContribution(path string) (*Contribution, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var contribution Contribution
	if err := json.Unmarshal(body, &contribution); err != nil {
		return nil, fmt.Errorf("failed to decode contribution: %w", err)
	}

	return &contribution, nil
}

// WriteResult materializes the result file the aggregation step shares.
func WriteResult(path string, result *Result) error {
	body, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode aggregation result: %w", err)
	}

	return os.WriteFile(path, body, 0o644)
}

// WriteContribution materializes a contributor's payload.
func WriteContribution(path string, contribution *Contribution) error {
	body, err := json.MarshalIndent(contribution, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode contribution: %w", err)
	}

	return os.WriteFile(path, body, 0o644)
}
