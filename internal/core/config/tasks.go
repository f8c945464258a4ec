package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/chainfetch/internal/core/domain"
)

// TaskSpec is one entry of a tasks file.
type TaskSpec struct {
	Name       string     `yaml:"name"`
	Address    string     `yaml:"address"`
	ABI        string     `yaml:"abi"` // path, relative to the tasks file; empty = fetch from explorer
	StartBlock uint64     `yaml:"start_block"`
	EndBlock   *uint64    `yaml:"end_block"` // nil = latest block at fetch time
	Topics     [][]string `yaml:"topics"`
}

// Range returns the task's block range. It fails for open-ended tasks,
// whose end is only known once the chain head is read.
func (t TaskSpec) Range() (domain.FetchRange, error) {
	if t.EndBlock == nil {
		return domain.FetchRange{}, fmt.Errorf("%w: task %q has no end block", domain.ErrInvalidRange, t.Name)
	}
	return domain.NewFetchRange(t.StartBlock, *t.EndBlock)
}

// LoadTasks reads a YAML list of tasks. Relative ABI paths are resolved
// against the tasks file's directory.
func LoadTasks(path string) ([]TaskSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tasks file: %w", err)
	}

	var tasks []TaskSpec
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &tasks); err != nil {
		return nil, fmt.Errorf("failed to parse tasks file: %w", err)
	}

	dir := filepath.Dir(path)
	seen := make(map[string]bool, len(tasks))
	for i := range tasks {
		t := &tasks[i]
		if t.Address == "" {
			return nil, fmt.Errorf("task %d: address is required", i)
		}
		if t.Name == "" {
			t.Name = t.Address
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("task %d: duplicate name %q", i, t.Name)
		}
		seen[t.Name] = true

		if t.EndBlock != nil {
			if _, err := t.Range(); err != nil {
				return nil, fmt.Errorf("task %q: %w", t.Name, err)
			}
		}
		if t.ABI != "" && !filepath.IsAbs(t.ABI) {
			t.ABI = filepath.Join(dir, t.ABI)
		}
	}
	return tasks, nil
}
