package toolexecutor

import "path"

// ToolPolicy restricts which tools a run may call. Entries are glob patterns
// such as "browser_*"; deny wins over allow.
type ToolPolicy struct {
	Allow []string `json:"allow" yaml:"allow"`
	Deny  []string `json:"deny" yaml:"deny"`
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if p == "*" || p == name {
			return true
		}
		if ok, err := path.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

// IsToolAllowed checks if a tool is allowed by the policy
func (tp *ToolPolicy) IsToolAllowed(toolName string) bool {
	if tp == nil {
		return true
	}
	if matchAny(tp.Deny, toolName) {
		return false
	}
	return matchAny(tp.Allow, toolName)
}
