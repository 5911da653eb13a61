// Package skills defines the built-in capabilities registered with the
// agent (clock, workspace files, shell, web fetch, long-term memory,
// email) and loads SKILL.md knowledge packs from disk.
package skills

import (
	"context"
	"fmt"
	"time"

	"github.com/maxagent/maxd/internal/capability"
)

// TimeNow returns the current time, optionally in a named IANA zone.
func TimeNow() capability.Capability {
	return capability.Capability{
		Name:        "time_now",
		Provider:    "core",
		Description: "Get the current date and time. Optionally pass an IANA timezone name.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"timezone": map[string]interface{}{
					"type":        "string",
					"description": `IANA timezone, e.g. "Europe/Berlin". Defaults to the server's local zone.`,
				},
			},
		},
		Reversibility: capability.Reversible,
		Invoke: func(_ context.Context, args map[string]interface{}) (string, error) {
			loc := time.Local
			if tz, ok := args["timezone"].(string); ok && tz != "" {
				l, err := time.LoadLocation(tz)
				if err != nil {
					return "", fmt.Errorf("unknown timezone %q: %w", tz, err)
				}
				loc = l
			}
			now := time.Now().In(loc)
			return now.Format("Monday, 2006-01-02 15:04:05 MST"), nil
		},
	}
}
