package acl

import (
	"fmt"
	"strings"
)

// Actions of the WIR capability matrix.
const (
	ActionView    = "view"
	ActionRaise   = "raise"
	ActionReview  = "review"
	ActionApprove = "approve"
)

// ActingRole is derived from effective permissions, never stored.
type ActingRole string

const (
	RoleInspector       ActingRole = "inspector"
	RoleHod             ActingRole = "hod"
	RoleInspectorAndHod ActingRole = "inspector_and_hod"
	RoleViewerOnly      ActingRole = "viewer_only"
)

// Override is a tri-state per-user matrix cell. Overrides can only remove a
// capability the base role grants, never add one; absence means inherit.
type Override int

const (
	OverrideAbsent Override = iota
	OverrideInherit
	OverrideDeny
)

// ParseOverride maps stored cell values to the tri-state. Unknown values are
// treated as inherit so that loose upstream data cannot widen a denial.
func ParseOverride(cell string) Override {
	switch strings.ToLower(strings.TrimSpace(cell)) {
	case "deny":
		return OverrideDeny
	case "inherit":
		return OverrideInherit
	case "":
		return OverrideAbsent
	default:
		return OverrideInherit
	}
}

func (o Override) String() string {
	switch o {
	case OverrideDeny:
		return "deny"
	case OverrideInherit:
		return "inherit"
	default:
		return "absent"
	}
}

// BaseMatrix maps module code -> action -> allowed for one (project, role).
type BaseMatrix map[string]map[string]bool

// OverrideMatrix has the same shape as BaseMatrix with tri-state cells,
// keyed by (project, user).
type OverrideMatrix map[string]map[string]Override

// Permissions are the four effective booleans for one module. Derived,
// recomputed on demand, never persisted.
type Permissions struct {
	View    bool `json:"view"`
	Raise   bool `json:"raise"`
	Review  bool `json:"review"`
	Approve bool `json:"approve"`
}

// Effective resolves one cell: base must grant it and no override may deny
// it. Module and action lookup is case-insensitive; a missing key resolves
// to false, not an error.
func Effective(base BaseMatrix, override OverrideMatrix, module, action string) bool {
	allowed, ok := lookupBool(base, module, action)
	if !ok || !allowed {
		return false
	}
	return lookupOverride(override, module, action) != OverrideDeny
}

// EffectivePermissions resolves all four actions of a module in one pass.
func EffectivePermissions(base BaseMatrix, override OverrideMatrix, module string) Permissions {
	return Permissions{
		View:    Effective(base, override, module, ActionView),
		Raise:   Effective(base, override, module, ActionRaise),
		Review:  Effective(base, override, module, ActionReview),
		Approve: Effective(base, override, module, ActionApprove),
	}
}

// Merge ORs another base matrix into this one, returning the union. Used
// when a user holds several roles on a project.
func (m BaseMatrix) Merge(other BaseMatrix) BaseMatrix {
	out := BaseMatrix{}
	for _, src := range []BaseMatrix{m, other} {
		for mod, actions := range src {
			mod = strings.ToLower(mod)
			if out[mod] == nil {
				out[mod] = map[string]bool{}
			}
			for act, allowed := range actions {
				act = strings.ToLower(act)
				out[mod][act] = out[mod][act] || allowed
			}
		}
	}
	return out
}

// Deduce classifies effective permissions into an acting role. The booleans
// encode capability, not assignment: an inspector-shaped user is a candidate
// inspector, not necessarily the one dispatched on a given WIR. Raise must be
// false for any acting party; a raiser is the contracting side.
func Deduce(view, raise, review, approve bool) ActingRole {
	if !view || raise {
		return RoleViewerOnly
	}
	switch {
	case review && approve:
		return RoleInspectorAndHod
	case review:
		return RoleInspector
	case approve:
		return RoleHod
	default:
		return RoleViewerOnly
	}
}

// DeducePermissions is Deduce over a resolved Permissions value.
func DeducePermissions(p Permissions) ActingRole {
	return Deduce(p.View, p.Raise, p.Review, p.Approve)
}

func lookupBool(m BaseMatrix, module, action string) (bool, bool) {
	for mod, actions := range m {
		if !strings.EqualFold(mod, module) {
			continue
		}
		for act, allowed := range actions {
			if strings.EqualFold(act, action) {
				return allowed, true
			}
		}
	}
	return false, false
}

func lookupOverride(m OverrideMatrix, module, action string) Override {
	for mod, actions := range m {
		if !strings.EqualFold(mod, module) {
			continue
		}
		for act, cell := range actions {
			if strings.EqualFold(act, action) {
				return cell
			}
		}
	}
	return OverrideAbsent
}

// PermissionDeniedError indicates the caller's effective permission for the
// requested action is false.
type PermissionDeniedError struct {
	Action string
}

func (e PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission %s required", e.Action)
}

// AuthorMismatchError indicates an author-only operation attempted by
// someone else. Surfaced like a permission denial but logged distinctly.
type AuthorMismatchError struct {
	WirID   string
	ActorID string
}

func (e AuthorMismatchError) Error() string {
	return fmt.Sprintf("actor %s is not the author of WIR %s", e.ActorID, e.WirID)
}
