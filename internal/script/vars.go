// Package script implements the conversation engine: the variable context, the
// condition evaluator, the action executor and the script interpreter.
//
// Nothing in this package performs I/O. Interpretation produces a list of Effect
// values that the caller applies against its persistence and transport collaborators.
package script

import (
	"maps"
	"regexp"
	"strings"
)

// Well-known variable names seeded into every turn's context.
const (
	VarSessionID    = "id"
	VarPhone        = "phone"
	VarBotPhone     = "bot_phone"
	VarCommunityID  = "community_id"
	VarMessage      = "message"
	VarTimestamp    = "timestamp"
	VarGroupID      = "group_id"
	VarHashtag      = "hashtag"
	VarName         = "name"
	VarAnnouncement = "announcement"
	VarStep         = "step"
)

// Vars is the per-turn variable context used for template substitution and
// condition evaluation. Numeric values are carried in their decimal string form.
type Vars map[string]string

// Get returns the value of name; unset names read as the empty string.
func (v Vars) Get(name string) string {
	return v[name]
}

// Has reports whether name is set, even to the empty string.
func (v Vars) Has(name string) bool {
	_, ok := v[name]
	return ok
}

// Clone returns an independent copy of the context.
func (v Vars) Clone() Vars {
	if v == nil {
		return Vars{}
	}
	return maps.Clone(v)
}

// Merge copies every entry of other into v, overwriting existing names.
func (v Vars) Merge(other map[string]string) {
	for k, val := range other {
		v[k] = val
	}
}

// Truthy reports the boolean value of a context string. Empty, "0", "false",
// "null", "undefined" and "NaN" are false; everything else is true.
func Truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "0", "false", "null", "undefined", "nan":
		return false
	default:
		return true
	}
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Interpolate replaces every {{name}} token with its value from vars.
// Tokens naming unset variables are left as literal text.
func Interpolate(template string, vars Vars) string {
	if !strings.Contains(template, "{{") {
		return template
	}
	return placeholderPattern.ReplaceAllStringFunc(template, func(token string) string {
		name := placeholderPattern.FindStringSubmatch(token)[1]
		if val, ok := vars[name]; ok {
			return val
		}
		return token
	})
}
