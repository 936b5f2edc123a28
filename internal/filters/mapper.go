// Package filters validates and rewrites per-model photometric filter names
// against the trained-model catalog.
package filters

import (
	"fmt"
	"strings"

	"github.com/skymap-astro/nmma-broker/internal/domain"
)

// aliases maps sncosmo filters without a trained model to similar filters
// that do have one.
var aliases = map[string]string{
	"sdssg": "ps1__g",
	"sdssi": "ps1__i",
	"sdssr": "ps1__r",
	"sdssz": "ps1__z",
	"sdssu": "ps1__u",
}

// centralWavelengthModels synthesize any filter from its central
// wavelength, so their filter names pass through unchanged.
var centralWavelengthModels = map[string]struct{}{
	"Me2017":       {},
	"Piro2021":     {},
	"nugent-hyper": {},
	"TrPi2018":     {},
}

// trainedModelSuffix marks the surrogate-trained variant of a model; only
// those variants are served from the catalog.
const trainedModelSuffix = "_tf"

// Model is one catalog entry with its permitted filter set.
type Model struct {
	Filters []string `yaml:"filters"`
}

// Mapper resolves (model, filter) pairs against the catalog.
type Mapper struct {
	models map[string]Model
}

// NewMapper builds a Mapper over a decoded catalog.
func NewMapper(models map[string]Model) *Mapper {
	if models == nil {
		models = map[string]Model{}
	}
	return &Mapper{models: models}
}

// MapFilter returns the filter name usable for the given model: the filter
// itself for central-wavelength models or permitted catalog filters, the
// alias when the alias is permitted, and an error otherwise.
func (m *Mapper) MapFilter(model, filter string) (string, error) {
	if _, ok := centralWavelengthModels[model]; ok {
		return filter, nil
	}

	if !strings.HasSuffix(model, trainedModelSuffix) {
		model += trainedModelSuffix
	}
	spec, ok := m.models[model]
	if !ok {
		return "", fmt.Errorf("%w: %s", domain.ErrUnknownModel, model)
	}

	if contains(spec.Filters, filter) {
		return filter, nil
	}
	if alias, ok := aliases[filter]; ok && contains(spec.Filters, alias) {
		return alias, nil
	}
	return "", fmt.Errorf("%w: %s not available for model %s", domain.ErrUnknownFilter, filter, model)
}

func contains(s []string, v string) bool {
	for _, e := range s {
		if e == v {
			return true
		}
	}
	return false
}
