// Copyright 2026 The Memgate Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"errors"
	"fmt"
)

// ModelMapping ties a client-facing model name to an upstream model.
type ModelMapping struct {
	// Name is what clients put in the "model" field.
	Name string `yaml:"name" json:"name"`

	// ID is the upstream model identifier.
	ID string `yaml:"id" json:"id"`

	// Family is reported as owned_by in the model list.
	Family string `yaml:"family" json:"family"`
}

// UnknownModelError is returned by [Mapper.Resolve] for a name that is
// not configured.
type UnknownModelError struct {
	Name string
}

func (err *UnknownModelError) Error() string {
	return fmt.Sprintf("model %q is not supported", err.Name)
}

// Mapper resolves client model names. It is immutable after
// construction and safe for concurrent use.
type Mapper struct {
	byName map[string]ModelMapping
	order  []ModelMapping
}

// NewMapper builds a Mapper. Names must be non-empty and unique; IDs
// must be non-empty. Two names may share an ID.
func NewMapper(mappings []ModelMapping) (*Mapper, error) {
	mapper := &Mapper{byName: make(map[string]ModelMapping, len(mappings))}

	var errs []error
	for index, mapping := range mappings {
		switch {
		case mapping.Name == "":
			errs = append(errs, fmt.Errorf("models[%d]: name is required", index))
			continue
		case mapping.ID == "":
			errs = append(errs, fmt.Errorf("models[%d] (%s): id is required", index, mapping.Name))
			continue
		}
		if _, exists := mapper.byName[mapping.Name]; exists {
			errs = append(errs, fmt.Errorf("models[%d]: duplicate name %q", index, mapping.Name))
			continue
		}
		mapper.byName[mapping.Name] = mapping
		mapper.order = append(mapper.order, mapping)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return mapper, nil
}

// Resolve returns the mapping for name. Matching is exact and
// case-sensitive.
func (mapper *Mapper) Resolve(name string) (ModelMapping, error) {
	mapping, ok := mapper.byName[name]
	if !ok {
		return ModelMapping{}, &UnknownModelError{Name: name}
	}
	return mapping, nil
}

// Models returns the mappings in configuration order.
func (mapper *Mapper) Models() []ModelMapping {
	return append([]ModelMapping(nil), mapper.order...)
}
