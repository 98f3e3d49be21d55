package agent

import (
	"bufio"
	"errors"
	"io/fs"
	"os"
)

// StepLogTail returns the last n lines of a step's private execution log.
// The log never leaves the local datasite; this is the only read surface.
func (a *Agent) StepLogTail(sessionID, stepID string, n int) ([]string, error) {
	if _, err := a.runtime(sessionID); err != nil {
		return nil, err
	}

	f, err := os.Open(a.layout.StepLogPath(sessionID, stepID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, err
	}
	defer f.Close()

	var lines []string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}

	return lines, nil
}
