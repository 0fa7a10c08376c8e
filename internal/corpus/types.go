// Package corpus loads and indexes the API-spec documentation corpus
// discovery retrieves candidates from: a registry of endpoint records
// ingested once at startup from static sources and served read-only
// for the rest of the process lifetime.
package corpus

// ParamSpec describes one parameter of a documented endpoint.
type ParamSpec struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type,omitempty" yaml:"type,omitempty"`
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// EndpointDoc is one documented API endpoint in the corpus: service,
// path, a natural-language description used to build its embedding, the
// parameter and response schemas, the authentication scheme the call
// needs, and a reference code example the codegen agent can read.
type EndpointDoc struct {
	Service     string      `json:"service" yaml:"service"`
	Path        string      `json:"path" yaml:"path"`
	Method      string      `json:"method" yaml:"method"`
	Description string      `json:"description" yaml:"description"`
	Params      []ParamSpec `json:"params,omitempty" yaml:"params,omitempty"`
	Response    []string    `json:"response,omitempty" yaml:"response,omitempty"`
	Auth        string      `json:"auth,omitempty" yaml:"auth,omitempty"`
	Example     string      `json:"example,omitempty" yaml:"example,omitempty"`
}

// ParamNames returns just the parameter names, in declaration order.
func (d EndpointDoc) ParamNames() []string {
	names := make([]string, 0, len(d.Params))
	for _, p := range d.Params {
		names = append(names, p.Name)
	}
	return names
}

// ID is the corpus key: "service.path".
func (d EndpointDoc) ID() string {
	return d.Service + "." + d.Path
}

// EmbeddingText builds the compound string embedded for this document:
// service, path and description concatenated, the same fields the
// retrieval query is built from on the query side.
func (d EndpointDoc) EmbeddingText() string {
	return d.Service + " " + d.Path + " " + d.Description
}
