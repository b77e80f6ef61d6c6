package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/gosimple/slug"
	"github.com/invopop/jsonschema"

	"warden/internal/errs"
	"warden/internal/permission"
)

// APIVersion is the only host contract plugins may target.
const APIVersion = "1.0.0"

const ManifestFile = "manifest.json"

// Runtime selects the linker used for a plugin's entry.
type Runtime string

const (
	RuntimeNative  Runtime = "native"
	RuntimeWasm    Runtime = "wasm"
	RuntimeBuiltin Runtime = "builtin"
)

const builtinPrefix = "builtin:"

// Manifest is the manifest.json at the root of a plugin package.
type Manifest struct {
	Name        string                  `json:"name" validate:"required,max=64" jsonschema:"minLength=1"`
	Version     string                  `json:"version" validate:"required,semver"`
	Entry       string                  `json:"entry" validate:"required" jsonschema:"description=Path of the loadable binary relative to the package root or builtin:<name>"`
	APIVersion  string                  `json:"api_version" validate:"required"`
	Permissions []permission.Descriptor `json:"permissions"`
	Description string                  `json:"description"`
	Author      string                  `json:"author"`
	Homepage    string                  `json:"homepage,omitempty" validate:"omitempty,url"`
	Runtime     Runtime                 `json:"runtime,omitempty" validate:"omitempty,oneof=native wasm builtin" jsonschema:"enum=native,enum=wasm,enum=builtin"`
}

// requiredKeys must be present even when their value may be empty.
var requiredKeys = []string{"name", "version", "entry", "api_version", "permissions", "description", "author"}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func manifestValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// ParseManifest decodes and validates a manifest. Structural problems are
// ErrManifest; a well-formed manifest for another host contract is
// ErrIncompatible. Both carry errs.KindManifest.
func ParseManifest(data []byte) (Manifest, error) {
	const op = "parse manifest"
	var m Manifest
	fail := func(err error) (Manifest, error) {
		return Manifest{}, errs.E(errs.KindManifest, op, err)
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return fail(fmt.Errorf("%w: %v", ErrManifest, err))
	}
	var missing []string
	for _, k := range requiredKeys {
		if _, ok := keys[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fail(fmt.Errorf("%w: missing %s", ErrManifest, strings.Join(missing, ", ")))
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return fail(fmt.Errorf("%w: %v", ErrManifest, err))
	}
	m.Name = strings.TrimSpace(m.Name)
	m.Entry = strings.TrimSpace(m.Entry)
	if err := manifestValidator().Struct(m); err != nil {
		return fail(fmt.Errorf("%w: %s", ErrManifest, describeValidation(err)))
	}
	if m.APIVersion != APIVersion {
		return fail(fmt.Errorf("%w: Unsupported API version: %s", ErrIncompatible, m.APIVersion))
	}
	if m.Runtime == "" {
		m.Runtime = inferRuntime(m.Entry)
	}
	if m.Runtime != RuntimeBuiltin {
		clean := path.Clean(strings.ReplaceAll(m.Entry, `\`, "/"))
		if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
			return fail(fmt.Errorf("%w: entry %q escapes the package", ErrManifest, m.Entry))
		}
		m.Entry = clean
	}
	if slug.Make(m.Name) == "" {
		return fail(fmt.Errorf("%w: name %q has no usable characters", ErrManifest, m.Name))
	}
	return m, nil
}

func describeValidation(err error) string {
	ves, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(ves))
	for _, fe := range ves {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fe.Field()+" is empty")
		case "semver":
			parts = append(parts, fmt.Sprintf("%s %q is not a semantic version", fe.Field(), fe.Value()))
		default:
			parts = append(parts, fmt.Sprintf("%s fails %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

func inferRuntime(entry string) Runtime {
	switch {
	case strings.HasPrefix(entry, builtinPrefix):
		return RuntimeBuiltin
	case strings.HasSuffix(strings.ToLower(entry), ".wasm"):
		return RuntimeWasm
	default:
		return RuntimeNative
	}
}

// BuiltinName returns the registered name for a builtin entry.
func (m Manifest) BuiltinName() string { return strings.TrimPrefix(m.Entry, builtinPrefix) }

// DeriveID returns the stable plugin id for a name and version.
func DeriveID(name, version string) string {
	return slug.Make(name) + "-" + version
}

// ManifestSchema returns the JSON Schema for manifest.json.
func ManifestSchema() ([]byte, error) {
	r := jsonschema.Reflector{
		ExpandedStruct:             true,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: false,
		Mapper: func(t reflect.Type) *jsonschema.Schema {
			if t == reflect.TypeOf(permission.Descriptor{}) {
				return descriptorSchema()
			}
			return nil
		},
	}
	s := r.Reflect(&Manifest{})
	s.Title = "warden plugin manifest"
	s.Required = append([]string(nil), requiredKeys...)
	return json.MarshalIndent(s, "", "  ")
}

func descriptorSchema() *jsonschema.Schema {
	str := &jsonschema.Schema{Type: "string"}
	strs := &jsonschema.Schema{Type: "array", Items: str, MinItems: ptr(uint64(1))}
	props := jsonschema.NewProperties()
	props.Set("type", &jsonschema.Schema{Type: "string", Enum: []any{"filesystem", "network", "ui", "system"}})
	props.Set("reason", str)
	props.Set("read", &jsonschema.Schema{Type: "boolean"})
	props.Set("write", &jsonschema.Schema{Type: "boolean"})
	props.Set("paths", strs)
	props.Set("hosts", strs)
	props.Set("https_only", &jsonschema.Schema{Type: "boolean"})
	props.Set("flags", &jsonschema.Schema{Type: "array", Items: str})
	return &jsonschema.Schema{
		Type:        "object",
		Properties:  props,
		Required:    []string{"type"},
		Description: "A requested capability. Filesystem and network scopes must be concrete.",
	}
}

func ptr[T any](v T) *T { return &v }
