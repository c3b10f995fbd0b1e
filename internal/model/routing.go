package model

// RoutingRule maps a request pattern to a downstream agent endpoint.
// Rules are loaded once at startup and immutable at runtime.
type RoutingRule struct {
	Pattern     string `json:"pattern" mapstructure:"pattern"`
	TargetAgent string `json:"target_agent" mapstructure:"target_agent"`
	Endpoint    string `json:"endpoint" mapstructure:"endpoint"`
}
