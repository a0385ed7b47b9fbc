// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"fmt"
	"time"
)

// now is replaced in tests.
var now = time.Now

// CurrentTimeTool reports the current time, optionally in a named IANA zone.
func CurrentTimeTool() *Tool {
	return &Tool{
		Name:        "current_time",
		Description: "Get the current date and time. Use this whenever the answer depends on today's date or the time of day.",
		Schema: Schema{
			Parameters: []Parameter{
				{
					Name:        "timezone",
					Type:        "string",
					Description: "IANA time zone name such as Europe/Berlin (default: local time)",
				},
			},
		},
		Handler: HandlerFunc(currentTime),
	}
}

func currentTime(_ context.Context, args map[string]any) (any, error) {
	t := now()
	if tz, _ := args["timezone"].(string); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q", tz)
		}
		t = t.In(loc)
	}
	zone, _ := t.Zone()
	return map[string]any{
		"time":     t.Format(time.RFC3339),
		"weekday":  t.Weekday().String(),
		"timezone": zone,
		"unix":     t.Unix(),
	}, nil
}

// RegisterBuiltins adds the built-in tools to r.
func RegisterBuiltins(r *Registry) error {
	return r.Register(CurrentTimeTool())
}
