package registry

// AuthMode selects how listed strategies combine.
type AuthMode string

const (
	// AuthModeAny succeeds on the first strategy returning a user.
	AuthModeAny AuthMode = "any"
	// AuthModeAll requires every strategy to succeed; the last user wins.
	AuthModeAll AuthMode = "all"
)

// AuthSpec lists the strategies a route requires and their combination mode.
type AuthSpec struct {
	Strategies []string `json:"strategies"`
	Mode       AuthMode `json:"mode"`
}

// RequestSpec describes the declared request shapes. The core carries these
// descriptors verbatim for external validation and documentation adapters.
type RequestSpec struct {
	Params interface{} `json:"params,omitempty"`
	Query  interface{} `json:"query,omitempty"`
	Body   interface{} `json:"body,omitempty"`
}

// RouteConfig is the descriptor of a single route.
type RouteConfig struct {
	Method       string                 `json:"method"`
	Path         string                 `json:"path"`
	Request      *RequestSpec           `json:"request,omitempty"`
	Responses    map[int]interface{}    `json:"responses,omitempty"`
	Authenticate *AuthSpec              `json:"authenticate,omitempty"`
	Middleware   []interface{}          `json:"-"`
	Tags         []string               `json:"tags,omitempty"`
	Extensions   map[string]interface{} `json:"extensions,omitempty"`
}
