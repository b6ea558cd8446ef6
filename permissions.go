package crudkit

import (
	"strings"
)

// Action names served for every registered resource.
const (
	ActionIndex   = "index"
	ActionShow    = "show"
	ActionStore   = "store"
	ActionUpdate  = "update"
	ActionDestroy = "destroy"

	// Soft-delete actions, registered only when the descriptor enables
	// soft deletes.
	ActionTrashed     = "trashed"
	ActionRestore     = "restore"
	ActionForceDelete = "forceDelete"
)

// Actions returns the action vocabulary for a resource. Soft-deleting
// resources carry three extra actions.
func Actions(softDeletes bool) []string {
	actions := []string{ActionIndex, ActionShow, ActionStore, ActionUpdate, ActionDestroy}
	if softDeletes {
		actions = append(actions, ActionTrashed, ActionRestore, ActionForceDelete)
	}
	return actions
}

// PermissionMatcher handles permission matching with wildcard support.
//
// Supported patterns:
//   - "*" matches every permission
//   - "{slug}.*" matches all actions on one resource (e.g. "posts.*"
//     matches "posts.update")
//   - "{slug}.{action}" matches exactly
type PermissionMatcher struct{}

// NewPermissionMatcher creates a new PermissionMatcher.
func NewPermissionMatcher() *PermissionMatcher {
	return &PermissionMatcher{}
}

// Match checks if a permission pattern grants an action on a resource slug.
//
// Examples:
//
//	Match("*", "posts", "update")            // true - global wildcard
//	Match("posts.*", "posts", "update")      // true - resource wildcard
//	Match("posts.update", "posts", "update") // true - exact match
//	Match("posts.update", "posts", "show")   // false
//	Match("posts.*", "comments", "show")     // false - different resource
func (pm *PermissionMatcher) Match(pattern, slug, action string) bool {
	if pattern == "*" {
		return true
	}

	dot := strings.LastIndex(pattern, ".")
	if dot < 0 {
		return false
	}

	if pattern[:dot] != slug {
		return false
	}

	suffix := pattern[dot+1:]
	return suffix == "*" || suffix == action
}

// MatchAny checks if any of the patterns grant the action. The result is a
// pure set-membership test: it does not depend on pattern order.
func (pm *PermissionMatcher) MatchAny(patterns []string, slug, action string) bool {
	for _, pattern := range patterns {
		if pm.Match(pattern, slug, action) {
			return true
		}
	}
	return false
}

// Validate checks if a permission string is well formed. A valid permission
// is "*", "{slug}.*" or "{slug}.{action}" where slug and action are
// identifiers.
func (pm *PermissionMatcher) Validate(permission string) error {
	if permission == "" {
		return NewError(ErrValidation, "permission cannot be empty")
	}

	if permission == "*" {
		return nil
	}

	parts := strings.Split(permission, ".")
	if len(parts) != 2 {
		return NewError(ErrValidation, "permission must be slug.action")
	}

	for i, part := range parts {
		if part == "" {
			return NewError(ErrValidation, "permission parts cannot be empty")
		}
		// Only the action part may be a wildcard.
		if part == "*" {
			if i == 0 {
				return NewError(ErrValidation, "permission slug cannot be a wildcard")
			}
			continue
		}
		for _, c := range part {
			if !isValidPermissionChar(c) {
				return NewError(ErrValidation, "permission contains invalid character")
			}
		}
	}

	return nil
}

func isValidPermissionChar(c rune) bool {
	return (c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9') ||
		c == '_' || c == '-'
}

// Permission builds the concrete permission string for an action on a slug.
func Permission(slug, action string) string {
	return slug + "." + action
}

// DefaultMatcher is the default permission matcher instance.
var DefaultMatcher = NewPermissionMatcher()

// MatchPermission is a convenience function using the default matcher.
func MatchPermission(pattern, slug, action string) bool {
	return DefaultMatcher.Match(pattern, slug, action)
}

// MatchAnyPermission is a convenience function using the default matcher.
func MatchAnyPermission(patterns []string, slug, action string) bool {
	return DefaultMatcher.MatchAny(patterns, slug, action)
}
