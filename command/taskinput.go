// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// resolveTaskInput turns a task argument into the task description. The
// argument may be the description itself, a path to a .md file (contents,
// trimmed), or a path to a .json file holding either a string or an object
// carrying the description under task, description or prompt, possibly
// nested one level under task.
func resolveTaskInput(arg string) (string, error) {
	switch {
	case strings.HasSuffix(arg, ".md"):
		raw, err := os.ReadFile(arg)
		if err != nil {
			return "", fmt.Errorf("failed to read task file: %w", err)
		}
		task := strings.TrimSpace(string(raw))
		if task == "" {
			return "", fmt.Errorf("task file %s is empty", arg)
		}
		return task, nil

	case strings.HasSuffix(arg, ".json"):
		raw, err := os.ReadFile(arg)
		if err != nil {
			return "", fmt.Errorf("failed to read task file: %w", err)
		}
		task, err := taskFromJSON(raw)
		if err != nil {
			return "", fmt.Errorf("task file %s: %w", arg, err)
		}
		return task, nil

	default:
		return arg, nil
	}
}

func taskFromJSON(raw []byte) (string, error) {
	var any interface{}
	if err := json.Unmarshal(raw, &any); err != nil {
		return "", fmt.Errorf("invalid JSON: %w", err)
	}

	switch v := any.(type) {
	case string:
		if s := strings.TrimSpace(v); s != "" {
			return s, nil
		}
		return "", fmt.Errorf("task string is empty")
	case map[string]interface{}:
		if s, ok := taskFromObject(v); ok {
			return s, nil
		}
		// one level of nesting under "task"
		if nested, ok := v["task"].(map[string]interface{}); ok {
			if s, ok := taskFromObject(nested); ok {
				return s, nil
			}
		}
		return "", fmt.Errorf("no task, description or prompt field found")
	default:
		return "", fmt.Errorf("task JSON must be a string or an object")
	}
}

func taskFromObject(obj map[string]interface{}) (string, bool) {
	for _, key := range []string{"task", "description", "prompt"} {
		if s, ok := obj[key].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s, true
			}
		}
	}
	return "", false
}
