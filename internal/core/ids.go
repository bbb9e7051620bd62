package core

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
)

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewElementID allocates a top-level element id: "el-" followed by an
// alphabet-constrained random slug. Unlike the teacher's hashString (a
// content digest, used there to derive a stable repo id from a git remote),
// element ids aren't derived from content, so this draws from crypto/rand
// instead of hashing - same truncate-for-readability idea, different source.
func NewElementID() string {
	return "el-" + randomSlug(12)
}

func randomSlug(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is fatal to the process; panicking here
		// matches the teacher's posture of treating id generation as
		// infallible within a single host.
		panic(fmt.Sprintf("core: crypto/rand unavailable: %v", err))
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(out)
}

// ChildID formats a hierarchical child id from a parent id and an
// atomically-allocated child number (§3 "Child counter").
func ChildID(parentID string, n int64) string {
	return fmt.Sprintf("%s.%d", parentID, n)
}

var slugDisallowed = regexp.MustCompile(`[^a-z0-9-]`)
var slugDashes = regexp.MustCompile(`-+`)

// Slugify normalizes a name into the letters/digits/hyphen/underscore slug
// shape required of entity names (§3), following the same
// lowercase-strip-collapse-trim pipeline as the teacher's git.BranchName.
func Slugify(s string) string {
	slug := strings.ToLower(s)
	slug = strings.ReplaceAll(slug, " ", "-")
	slug = strings.ReplaceAll(slug, "_", "-")
	slug = slugDisallowed.ReplaceAllString(slug, "")
	slug = slugDashes.ReplaceAllString(slug, "-")
	return strings.Trim(slug, "-")
}

// SanitizeForPath mirrors the teacher's BranchName truncation/trim rules,
// generalized for use as a worktree directory component.
func SanitizeForPath(id string) string {
	slug := Slugify(id)
	const maxLen = 60
	if len(slug) > maxLen {
		slug = strings.TrimRight(slug[:maxLen], "-")
	}
	if slug == "" {
		slug = "el"
	}
	return slug
}
