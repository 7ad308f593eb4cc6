// Package synth renders a declared stack as a CloudFormation template.
//
// Rendering is deterministic: maps are emitted with sorted keys and every
// list is built in a fixed order, so equal stacks give byte-identical
// documents in both JSON and YAML.
package synth

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// FormatVersion is the only template format version.
const FormatVersion = "2010-09-09"

// Object is a free-form template fragment.
type Object = map[string]interface{}

// Template is a CloudFormation template.
type Template struct {
	AWSTemplateFormatVersion string              `json:"AWSTemplateFormatVersion" yaml:"AWSTemplateFormatVersion"`
	Description              string              `json:"Description,omitempty" yaml:"Description,omitempty"`
	Resources                map[string]Resource `json:"Resources" yaml:"Resources"`
	Outputs                  map[string]Output   `json:"Outputs,omitempty" yaml:"Outputs,omitempty"`
}

// Resource is one template resource.
type Resource struct {
	Type       string   `json:"Type" yaml:"Type"`
	DependsOn  []string `json:"DependsOn,omitempty" yaml:"DependsOn,omitempty"`
	Properties Object   `json:"Properties" yaml:"Properties"`
}

// Output is one template output.
type Output struct {
	Description string      `json:"Description,omitempty" yaml:"Description,omitempty"`
	Value       interface{} `json:"Value" yaml:"Value"`
}

// Ref returns a Ref intrinsic.
func Ref(logicalID string) Object {
	return Object{"Ref": logicalID}
}

// GetAtt returns an Fn::GetAtt intrinsic.
func GetAtt(logicalID, attribute string) Object {
	return Object{"Fn::GetAtt": []string{logicalID, attribute}}
}

// Sub returns an Fn::Sub intrinsic.
func Sub(s string) Object {
	return Object{"Fn::Sub": s}
}

// value returns s unchanged, or wrapped in Fn::Sub when it carries a
// pseudo-parameter token.
func value(s string) interface{} {
	if strings.Contains(s, "${AWS::") {
		return Sub(s)
	}
	return s
}

func values(in []string) []interface{} {
	out := make([]interface{}, 0, len(in))
	for _, s := range in {
		out = append(out, value(s))
	}
	return out
}

// JSON renders the template as indented JSON.
func (t *Template) JSON() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(t); err != nil {
		return nil, fmt.Errorf("failed to encode template: %w", err)
	}
	return buf.Bytes(), nil
}

// YAML renders the template as YAML.
func (t *Template) YAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(t); err != nil {
		return nil, fmt.Errorf("failed to encode template: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Render renders the template in the named format ("json" or "yaml").
func (t *Template) Render(format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "", "json":
		return t.JSON()
	case "yaml", "yml":
		return t.YAML()
	default:
		return nil, fmt.Errorf("unknown template format %q", format)
	}
}

// ResourceIDs returns the logical IDs in sorted order.
func (t *Template) ResourceIDs() []string {
	ids := make([]string, 0, len(t.Resources))
	for id := range t.Resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
