// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

package trigger

import "strings"

// ParsePayload splits a transport message of the form "<plugin id>:<payload>"
// on its first colon. A message without a colon is all payload.
func ParsePayload(raw string) (pluginID, payload string) {
	if strings.TrimSpace(raw) == "" {
		return "", ""
	}
	id, rest, found := strings.Cut(raw, ":")
	if !found {
		return "", raw
	}
	return strings.TrimSpace(id), rest
}
