package registry

import "maps"

// Attribute keys reported by the remote engine in pong payloads.
const (
	KeyUser          = "user"
	KeyMachine       = "machine"
	KeyEngineVersion = "engine_version"
	KeyEngineRoot    = "engine_root"
	KeyProjectRoot   = "project_root"
	KeyProjectName   = "project_name"
)

// Attributes is the typed view of a pong payload. Keys the engine sends
// beyond the well-known set are kept in Extra.
type Attributes struct {
	User          string
	Machine       string
	EngineVersion string
	EngineRoot    string
	ProjectRoot   string
	ProjectName   string
	Extra         map[string]any
}

// AttributesFromPayload splits a pong payload into known fields and Extra.
// Known keys carrying non-string values are treated as extra.
func AttributesFromPayload(payload map[string]any) Attributes {
	var attrs Attributes
	for key, raw := range payload {
		s, isString := raw.(string)
		if !isString {
			attrs.setExtra(key, raw)
			continue
		}
		switch key {
		case KeyUser:
			attrs.User = s
		case KeyMachine:
			attrs.Machine = s
		case KeyEngineVersion:
			attrs.EngineVersion = s
		case KeyEngineRoot:
			attrs.EngineRoot = s
		case KeyProjectRoot:
			attrs.ProjectRoot = s
		case KeyProjectName:
			attrs.ProjectName = s
		default:
			attrs.setExtra(key, raw)
		}
	}
	return attrs
}

func (a *Attributes) setExtra(key string, v any) {
	if a.Extra == nil {
		a.Extra = make(map[string]any)
	}
	a.Extra[key] = v
}

func (a Attributes) clone() Attributes {
	out := a
	if a.Extra != nil {
		out.Extra = maps.Clone(a.Extra)
	}
	return out
}
