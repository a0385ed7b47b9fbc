// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ErrInvalidArguments is returned when tool arguments cannot be decoded into
// a JSON object, even after repair.
var ErrInvalidArguments = errors.New("invalid tool arguments")

// parseArguments decodes the model's argument string. Models sometimes emit
// truncated or single-quoted JSON; those are repaired before giving up. The
// second return value reports whether repair was needed.
func parseArguments(raw string) (map[string]any, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return map[string]any{}, false, nil
	}

	args, err := decodeObject(raw)
	if err == nil {
		return args, false, nil
	}

	fixed, repairErr := jsonrepair.JSONRepair(raw)
	if repairErr != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	args, err = decodeObject(fixed)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return args, true, nil
}

func decodeObject(s string) (map[string]any, error) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected a JSON object, got %T", v)
	}
	return obj, nil
}
