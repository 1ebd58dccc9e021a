package config

import (
	"bytes"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/Sentinel-Gate/quotagate/internal/domain/endpoint"
)

// EndpointsDocument is the YAML form used by endpoint export and import.
// Its endpoints list has the same shape as the endpoints section of
// quota-gate.yaml, so an export can be pasted into the config file.
type EndpointsDocument struct {
	Endpoints []EndpointConfig `yaml:"endpoints" validate:"dive"`
}

// EndpointConfigFromDescriptor converts a descriptor back to config form.
// Active is left nil for active endpoints since that is the default.
func EndpointConfigFromDescriptor(d endpoint.Descriptor) EndpointConfig {
	c := EndpointConfig{
		Path:        d.Path,
		Verb:        d.Verb,
		Visibility:  string(d.Visibility),
		Description: d.Description,
	}
	if !d.Active {
		inactive := false
		c.Active = &inactive
	}
	if d.RateLimit != nil {
		c.RateLimit = &LimitConfig{MaxRequests: d.RateLimit.MaxRequests, WindowSeconds: d.RateLimit.WindowSeconds}
	}
	return c
}

// MarshalEndpoints renders descriptors as an EndpointsDocument.
func MarshalEndpoints(descriptors []endpoint.Descriptor) ([]byte, error) {
	doc := EndpointsDocument{Endpoints: make([]EndpointConfig, 0, len(descriptors))}
	for _, d := range descriptors {
		doc.Endpoints = append(doc.Endpoints, EndpointConfigFromDescriptor(d))
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode endpoints: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode endpoints: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalEndpoints parses and validates an EndpointsDocument. Unknown
// fields are rejected.
func UnmarshalEndpoints(data []byte) ([]endpoint.Descriptor, error) {
	var doc EndpointsDocument
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode endpoints: %w", err)
	}

	v, err := newValidator()
	if err != nil {
		return nil, err
	}
	if err := v.Struct(doc); err != nil {
		return nil, formatValidationErrors(err)
	}

	c := Config{Endpoints: doc.Endpoints}
	if err := c.validateUniqueEndpoints(); err != nil {
		return nil, err
	}
	if len(doc.Endpoints) == 0 {
		return nil, errors.New("endpoints: document is empty")
	}
	return c.Descriptors(), nil
}
