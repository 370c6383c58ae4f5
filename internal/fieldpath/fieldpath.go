// Package fieldpath answers containment queries for validation failures
// addressed by dot/bracket field paths (e.g. "spec.containers[0].image").
//
// Matching is purely syntactic prefix matching with boundary checks. The
// matcher never walks a real object tree, so it stays correct for resource
// kinds whose shape is unknown to the dashboard.
package fieldpath

// Cause is a single field-level validation failure reported by the API
// server or by a local save guard.
type Cause struct {
	// Field is the dot/bracket path to the failing field. May name a path
	// that does not exist in the current working model.
	Field string `json:"field"`

	// Message is the human-readable failure description.
	Message string `json:"message"`

	// Reason is the machine-readable cause type, if the server provided one.
	Reason string `json:"reason,omitempty"`
}

// ErrorSet holds the flat cause list attached to a failed save and answers
// path containment queries over it.
type ErrorSet struct {
	causes []Cause
}

// NewErrorSet builds an ErrorSet over the given causes. The slice is not
// copied; callers must not mutate it afterwards.
func NewErrorSet(causes []Cause) *ErrorSet {
	return &ErrorSet{causes: causes}
}

// Causes returns the underlying cause list.
func (s *ErrorSet) Causes() []Cause {
	if s == nil {
		return nil
	}
	return s.causes
}

// Empty reports whether the set contains no causes.
func (s *ErrorSet) Empty() bool {
	return s == nil || len(s.causes) == 0
}

// HasError reports whether path is implicated by any cause: either the cause
// names path exactly, or the cause names a descendant of path (a container
// highlights when any field inside it fails), or the cause names an ancestor
// of path (a leaf highlights when its section is rejected wholesale).
func (s *ErrorSet) HasError(path string) bool {
	if s == nil {
		return false
	}
	for _, c := range s.causes {
		if c.Field == path || isDescendant(c.Field, path) || isDescendant(path, c.Field) {
			return true
		}
	}
	return false
}

// GetError returns the first cause whose field equals path exactly.
func (s *ErrorSet) GetError(path string) (Cause, bool) {
	if s == nil {
		return Cause{}, false
	}
	for _, c := range s.causes {
		if c.Field == path {
			return c, true
		}
	}
	return Cause{}, false
}

// GetErrors returns all causes whose field equals prefix or lies strictly
// below it. Used to render a bundled failure list for one form section.
func (s *ErrorSet) GetErrors(prefix string) []Cause {
	if s == nil {
		return nil
	}
	var out []Cause
	for _, c := range s.causes {
		if c.Field == prefix || isDescendant(c.Field, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// isDescendant reports whether path lies strictly below ancestor. The
// character following the ancestor prefix must open a new path segment,
// so "spec.replicas" is not a descendant of "spec.rep".
func isDescendant(path, ancestor string) bool {
	if len(path) <= len(ancestor) || path[:len(ancestor)] != ancestor {
		return false
	}
	switch path[len(ancestor)] {
	case '.', '[':
		return true
	}
	return false
}
