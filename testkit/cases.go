package testkit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/core"
)

// maxCaseLine bounds a single JSONL record.
const maxCaseLine = 1 << 20

// LoadCases reads a JSONL case file. It also returns the raw bytes so
// callers can fingerprint the suite.
func LoadCases(path string) ([]core.Task, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read cases: %w", err)
	}
	tasks, err := ReadCases(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return tasks, data, nil
}

// ReadCases parses one task per line. Blank lines and lines starting with
// '#' are skipped; ids must be unique and prompts non-empty.
func ReadCases(r io.Reader) ([]core.Task, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxCaseLine)

	var (
		tasks []core.Task
		errs  []error
		seen  = make(map[string]int)
		line  int
	)
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		var t core.Task
		if err := json.Unmarshal([]byte(text), &t); err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", line, err))
			continue
		}
		t.ID = strings.TrimSpace(t.ID)
		switch {
		case t.ID == "":
			errs = append(errs, fmt.Errorf("line %d: id is required", line))
			continue
		case strings.TrimSpace(t.Prompt) == "":
			errs = append(errs, fmt.Errorf("line %d: case %q has an empty prompt", line, t.ID))
			continue
		case t.Expect.MaxSteps < 0:
			errs = append(errs, fmt.Errorf("line %d: case %q has negative expect.max_steps", line, t.ID))
			continue
		}
		if prev, dup := seen[t.ID]; dup {
			errs = append(errs, fmt.Errorf("line %d: duplicate case id %q (first on line %d)", line, t.ID, prev))
			continue
		}
		for _, fc := range t.Expect.FileChecks {
			if strings.TrimSpace(fc.Path) == "" {
				errs = append(errs, fmt.Errorf("line %d: case %q has a file check without path", line, t.ID))
			}
		}
		seen[t.ID] = line
		tasks = append(tasks, t)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan cases: %w", err)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, errors.New("no cases found")
	}
	return tasks, nil
}
