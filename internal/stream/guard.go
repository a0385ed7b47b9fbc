// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import "strings"

// =============================================================================
// MARKDOWN COMPLETION GUARD
// =============================================================================

const fence = "```"

// GuardSuffix returns the synthetic text that closes a dangling code fence or
// inline code span at the end of fragment. It is empty when nothing dangles.
//
// The two corrections are independent:
//   - an odd number of ``` fences gets one more fence on its own line;
//   - an odd number of single backticks, when fragment ends on a backtick,
//     gets one more backtick.
func GuardSuffix(fragment string) string {
	var suffix strings.Builder

	fences := strings.Count(fragment, fence)
	singles := strings.Count(strings.ReplaceAll(fragment, fence, ""), "`")

	if singles%2 == 1 && strings.HasSuffix(fragment, "`") {
		suffix.WriteString("`")
	}
	if fences%2 == 1 {
		if !strings.HasSuffix(fragment, "\n") {
			suffix.WriteString("\n")
		}
		suffix.WriteString(fence)
	}
	return suffix.String()
}

// Guard returns fragment with GuardSuffix appended. The result is for display
// only; stored content is always the unguarded fragment.
func Guard(fragment string) string {
	return fragment + GuardSuffix(fragment)
}

// Unguard strips the suffix Guard added for fragment.
func Unguard(guarded, fragment string) string {
	return strings.TrimSuffix(guarded, GuardSuffix(fragment))
}
