// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/samber/oops"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"gopkg.in/yaml.v3"
)

// SchemaID is the $id of the profile schema, for use in plugin.yaml files.
const SchemaID = "https://holomush.dev/schemas/framehost-profile.schema.json"

const schemaResource = "profile.schema.json"

// JSONSchemaExtend adds the profile rules struct tags cannot express.
func (Profile) JSONSchemaExtend(s *jsonschema.Schema) {
	one := uint64(1)
	if methods, ok := s.Properties.Get("methods"); ok && methods.Items != nil {
		methods.Items.Not = &jsonschema.Schema{Const: HandshakeKey}
	}
	if notifs, ok := s.Properties.Get("notifications"); ok {
		notifs.PropertyNames = &jsonschema.Schema{Type: "string", MinLength: &one}
		if notifs.AdditionalProperties != nil && notifs.AdditionalProperties.Items != nil {
			notifs.AdditionalProperties.Items.MinLength = &one
		}
	}
}

// GenerateSchema returns the JSON Schema for plugin.yaml.
func GenerateSchema() ([]byte, error) {
	data, err := json.MarshalIndent(profileSchema(), "", "  ")
	if err != nil {
		return nil, oops.In("schema").Wrapf(err, "marshal schema")
	}
	return data, nil
}

func profileSchema() *jsonschema.Schema {
	r := jsonschema.Reflector{DoNotReference: true}
	s := r.Reflect(&Profile{})
	s.ID = jsonschema.ID(SchemaID)
	s.Title = "framehost plugin profile"
	s.Description = "Schema for plugin.yaml profile files"
	return s
}

var compiledSchema = sync.OnceValues(func() (*jschema.Schema, error) {
	raw, err := GenerateSchema()
	if err != nil {
		return nil, err
	}
	doc, err := jschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, oops.In("schema").Wrapf(err, "parse schema")
	}
	c := jschema.NewCompiler()
	if err := c.AddResource(schemaResource, doc); err != nil {
		return nil, oops.In("schema").Wrapf(err, "add schema resource")
	}
	sch, err := c.Compile(schemaResource)
	if err != nil {
		return nil, oops.In("schema").Wrapf(err, "compile schema")
	}
	return sch, nil
})

// ValidateSchema checks YAML profile data against the profile schema.
func ValidateSchema(data []byte) error {
	if len(data) == 0 {
		return oops.In("schema").New("profile data is empty")
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return oops.In("schema").Wrapf(err, "invalid YAML")
	}
	// The validator wants the JSON data model, so go through JSON once.
	raw, err := json.Marshal(doc)
	if err != nil {
		return oops.In("schema").Wrapf(err, "profile is not representable as JSON")
	}
	instance, err := jschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return oops.In("schema").Wrapf(err, "decode profile")
	}

	sch, err := compiledSchema()
	if err != nil {
		return err
	}
	if err := sch.Validate(instance); err != nil {
		return oops.In("schema").Wrapf(err, "profile does not match schema")
	}
	return nil
}

// FormatSchemaError renders err for display. Schema violations become one
// "location: message" line each.
func FormatSchemaError(err error) string {
	if err == nil {
		return ""
	}
	var ve *jschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}

	var lines []string
	for _, u := range ve.BasicOutput().Errors {
		if u.Error == nil {
			continue
		}
		switch u.Error.Kind.(type) {
		case *kind.Schema, *kind.Group, *kind.Reference:
			continue
		}
		loc := u.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		lines = append(lines, fmt.Sprintf("%s: %s", loc, u.Error))
	}
	if len(lines) == 0 {
		return ve.Error()
	}
	return strings.Join(lines, "; ")
}
