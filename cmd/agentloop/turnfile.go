package main

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vinayprograms/agentloop/internal/executor"
	"github.com/vinayprograms/agentloop/internal/planner"
)

// turnHeader is the optional metadata of a plan file.
type turnHeader struct {
	Input string `yaml:"input"`
	Route string `yaml:"route"`
}

// loadTurn reads a plan file. The file is either a bare list of subtasks or
// a mapping with input, route and subtasks keys. JSON is accepted as YAML.
func loadTurn(path string) (executor.Turn, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return executor.Turn{}, fmt.Errorf("reading plan: %w", err)
	}
	return parseTurn(data)
}

func parseTurn(data []byte) (executor.Turn, error) {
	descs, err := planner.ParseDescriptors(data)
	if err != nil {
		return executor.Turn{}, err
	}
	turn := executor.Turn{Subtasks: descs}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] != '[' && trimmed[0] != '-' {
		var h turnHeader
		if err := yaml.Unmarshal(trimmed, &h); err == nil {
			turn.UserInput = h.Input
			turn.Route = h.Route
		}
	}
	return turn, nil
}
