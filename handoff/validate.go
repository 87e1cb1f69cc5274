// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package handoff

import (
	"bytes"
	"encoding/json"
	"fmt"

	multierror "github.com/hashicorp/go-multierror"
)

// Encode renders h as indented JSON. A nil Next is omitted entirely so
// terminal documents carry no next key.
func Encode(h Handoff) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(h); err != nil {
		return nil, fmt.Errorf("failed to encode handoff: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses raw into a Handoff after validating its shape, so callers
// never see a structurally broken document.
func Decode(raw []byte) (Handoff, error) {
	if err := IsRunHandoff(raw); err != nil {
		return Handoff{}, err
	}
	var h Handoff
	if err := json.Unmarshal(raw, &h); err != nil {
		return Handoff{}, fmt.Errorf("failed to decode handoff: %w", err)
	}
	if h.Artifacts == nil {
		h.Artifacts = map[string]string{}
	}
	if h.Notes == nil {
		h.Notes = []string{}
	}
	return h, nil
}

// IsRunHandoff validates that raw is a structurally complete handoff
// document. All problems are aggregated so a malformed document reports
// everything wrong with it at once.
func IsRunHandoff(raw []byte) error {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("handoff is not a JSON object: %w", err)
	}

	var mErr *multierror.Error

	if _, ok := doc["run"].(map[string]any); !ok {
		mErr = multierror.Append(mErr, fmt.Errorf("missing run object"))
	}
	if _, ok := doc["task"].(map[string]any); !ok {
		mErr = multierror.Append(mErr, fmt.Errorf("missing task object"))
	}

	state, ok := doc["state"].(map[string]any)
	if !ok {
		mErr = multierror.Append(mErr, fmt.Errorf("missing state object"))
	} else {
		if _, ok := state["phase"].(string); !ok {
			mErr = multierror.Append(mErr, fmt.Errorf("state missing phase"))
		}
		if _, ok := state["status"].(string); !ok {
			mErr = multierror.Append(mErr, fmt.Errorf("state missing status"))
		}
		if _, ok := state["iteration"].(float64); !ok {
			mErr = multierror.Append(mErr, fmt.Errorf("state missing iteration"))
		}
		if _, ok := state["maxIterations"].(float64); !ok {
			mErr = multierror.Append(mErr, fmt.Errorf("state missing maxIterations"))
		}
		if _, ok := state["history"].([]any); !ok {
			mErr = multierror.Append(mErr, fmt.Errorf("state missing history list"))
		}
	}

	if _, ok := doc["artifacts"].(map[string]any); !ok {
		mErr = multierror.Append(mErr, fmt.Errorf("missing artifacts object"))
	}

	notes, ok := doc["notes"].([]any)
	if !ok {
		mErr = multierror.Append(mErr, fmt.Errorf("missing notes list"))
	} else {
		for i, n := range notes {
			if _, ok := n.(string); !ok {
				mErr = multierror.Append(mErr, fmt.Errorf("notes[%d] is not a string", i))
			}
		}
	}

	if rawNext, present := doc["next"]; present && rawNext != nil {
		next, ok := rawNext.(map[string]any)
		if !ok {
			mErr = multierror.Append(mErr, fmt.Errorf("next is not an object"))
		} else {
			if _, ok := next["agent"].(string); !ok {
				mErr = multierror.Append(mErr, fmt.Errorf("next missing agent"))
			}
			for _, key := range []string{"inputArtifacts", "instructions"} {
				list, ok := next[key].([]any)
				if !ok {
					mErr = multierror.Append(mErr, fmt.Errorf("next missing %s list", key))
					continue
				}
				for i, v := range list {
					if _, ok := v.(string); !ok {
						mErr = multierror.Append(mErr, fmt.Errorf("next.%s[%d] is not a string", key, i))
					}
				}
			}
		}
	}

	return mErr.ErrorOrNil()
}
