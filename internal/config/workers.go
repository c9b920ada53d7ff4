package config

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Workers is evaluation.parallel_workers: either "auto" or a positive integer.
type Workers string

// UnmarshalYAML accepts both scalars (`auto`, `8`).
func (w *Workers) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("parallel_workers: expected scalar, got kind %d", node.Kind)
	}
	*w = Workers(strings.TrimSpace(node.Value))
	return nil
}

// Resolve returns the pool size for numCPU processors.
// "auto" gives max(1, min(numCPU-1, 24)); any value that is not a positive
// integer gives 4.
func (w Workers) Resolve(numCPU int) int {
	s := strings.ToLower(strings.TrimSpace(string(w)))
	if s == "" || s == "auto" {
		if numCPU <= 0 {
			numCPU = 4
		}
		return max(1, min(numCPU-1, 24))
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 4
	}
	return n
}
