package types

// Department groups agents into a routing target
type Department struct {
	ID                 string `json:"id" yaml:"id"`
	Name               string `json:"name" yaml:"name"`
	Enabled            bool   `json:"enabled" yaml:"enabled"`
	FallbackDepartment string `json:"fallbackDepartment,omitempty" yaml:"fallback"`
	ShowOnRegistration bool   `json:"showOnRegistration" yaml:"show_on_registration"`
}
