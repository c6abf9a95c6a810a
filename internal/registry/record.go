// Package registry holds model records: their deterministic keys, metadata
// and the merge rule applied on every registration.
package registry

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/nmxmxh/portal-engine/internal/postprocess"
)

// Kind is the backend variant of a model.
type Kind int

const (
	Local Kind = iota
	Hub
	Endpoint
)

var kindNames = map[Kind]string{
	Local:    "local",
	Hub:      "hub",
	Endpoint: "endpoint",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind accepts the names used in registration requests.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(s, name) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%q is not one of 'local', 'endpoint' or 'hub'", s)
}

type Residency int

const (
	NotLoaded Residency = iota
	Loaded
)

func (r Residency) String() string {
	if r == Loaded {
		return "loaded"
	}
	return "not-loaded"
}

// Options are the kind-specific registration arguments. They are persisted
// as a loose map and decoded back with mapstructure.
type Options struct {
	ModelKey      string `mapstructure:"model_key" json:"model_key,omitempty"`
	ProjectSecret string `mapstructure:"project_secret" json:"project_secret,omitempty"`
	Link          string `mapstructure:"link" json:"link,omitempty"`
	Height        int    `mapstructure:"height" json:"height,omitempty"`
	Width         int    `mapstructure:"width" json:"width,omitempty"`
	Runner        string `mapstructure:"runner" json:"runner,omitempty"`
}

// Record is one registered model.
type Record struct {
	Key         string
	Kind        Kind
	ModelType   string
	Directory   string
	Name        string
	Description string
	Height      int
	Width       int
	Labels      postprocess.Labels
	Options     Options
	Residency   Residency
}

// identity is what makes two registrations the same model: the directory
// for file-backed models, the key for endpoints.
func (r *Record) identity() string {
	if r.Directory != "" {
		return "dir:" + r.Directory
	}
	return "key:" + r.Key
}

// Info is the client view of a record.
type Info struct {
	Directory   string `json:"directory"`
	Description string `json:"description"`
	Name        string `json:"name"`
	Type        string `json:"type"`
}

func (r *Record) Info() Info {
	return Info{Directory: r.Directory, Description: r.Description, Name: r.Name, Type: r.ModelType}
}

func (r *Record) clone() *Record {
	c := *r
	c.Labels = make(postprocess.Labels, len(r.Labels))
	for k, v := range r.Labels {
		c.Labels[k] = v
	}
	return &c
}

// Persisted is the metadata written to the cache document. Runtime handles
// never cross this boundary.
type Persisted struct {
	Kind        string                 `json:"kind"`
	ModelType   string                 `json:"model_type"`
	Directory   string                 `json:"model_dir"`
	Name        string                 `json:"model_name"`
	Description string                 `json:"description"`
	Kwargs      map[string]interface{} `json:"model_kwargs"`
}

// Persist strips the record to reconstructable metadata.
func (r *Record) Persist() Persisted {
	kwargs := map[string]interface{}{}
	if r.Options.ModelKey != "" {
		kwargs["model_key"] = r.Options.ModelKey
	}
	if r.Options.ProjectSecret != "" {
		kwargs["project_secret"] = r.Options.ProjectSecret
	}
	if r.Options.Link != "" {
		kwargs["link"] = r.Options.Link
	}
	if r.Height > 0 {
		kwargs["height"] = r.Height
	}
	if r.Width > 0 {
		kwargs["width"] = r.Width
	}
	if r.Options.Runner != "" {
		kwargs["runner"] = r.Options.Runner
	}
	return Persisted{
		Kind:        r.Kind.String(),
		ModelType:   r.ModelType,
		Directory:   r.Directory,
		Name:        r.Name,
		Description: r.Description,
		Kwargs:      kwargs,
	}
}

// DecodeOptions reads persisted kwargs. JSON numbers arrive as float64, so
// weak typing is enabled.
func DecodeOptions(kwargs map[string]interface{}) (Options, error) {
	var opts Options
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &opts,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Options{}, err
	}
	if err := dec.Decode(kwargs); err != nil {
		return Options{}, fmt.Errorf("decode model kwargs: %w", err)
	}
	return opts, nil
}
