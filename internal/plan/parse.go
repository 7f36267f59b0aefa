package plan

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ParseJSON decodes and validates a PlanSpec submitted as JSON, rejecting
// unknown fields per spec.md §6.1.
func ParseJSON(data []byte) (*PlanSpec, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var spec PlanSpec
	if err := dec.Decode(&spec); err != nil {
		return nil, &ValidationError{Path: "$", Message: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if err := ValidatePlanSpec(&spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

// ParseYAML decodes and validates a PlanSpec authored as a YAML document.
// Conductor-style YAML plan authoring is kept
// alongside the spec's JSON wire format because the teacher's plans are
// YAML-authored and operators porting existing plans expect it to keep
// working.
func ParseYAML(data []byte) (*PlanSpec, error) {
	var raw yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ValidationError{Path: "$", Message: fmt.Sprintf("invalid YAML: %v", err)}
	}

	var spec PlanSpec
	if err := raw.Decode(&spec); err != nil {
		return nil, &ValidationError{Path: "$", Message: fmt.Sprintf("invalid YAML shape: %v", err)}
	}
	if err := ValidatePlanSpec(&spec); err != nil {
		return nil, err
	}
	return &spec, nil
}
