package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/letuhao/chaos-backend-service-sub003/pkg/caps"
	"github.com/letuhao/chaos-backend-service-sub003/pkg/combiner"
	"github.com/letuhao/chaos-backend-service-sub003/pkg/contracts"
	"github.com/letuhao/chaos-backend-service-sub003/pkg/subsystems/static"
)

// SupportedFormat is the semver constraint on a rules document's
// format_version.
const SupportedFormat = "^1"

const schemaURL = "https://actorcore.schemas.local/rules.schema.json"

//go:embed schema/rules.schema.json
var rulesSchema string

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, bytes.NewReader([]byte(rulesSchema))); err != nil {
			compileErr = fmt.Errorf("rules schema load failed: %w", err)
			return
		}
		compiled, compileErr = c.Compile(schemaURL)
	})
	return compiled, compileErr
}

// Document is the rules document.
type Document struct {
	FormatVersion    string              `yaml:"format_version"`
	Layers           *LayersDoc          `yaml:"layers,omitempty"`
	SignedDimensions []string            `yaml:"signed_dimensions,omitempty"`
	BaseValues       map[string]float64  `yaml:"base_values,omitempty"`
	MergeRules       []RuleDoc           `yaml:"merge_rules,omitempty"`
	Subsystems       []static.Definition `yaml:"subsystems,omitempty"`
}

type LayersDoc struct {
	Order  []string `yaml:"order,omitempty"`
	Policy string   `yaml:"policy,omitempty"`
}

// RuleDoc is a merge rule as written in YAML. UsePipeline defaults to true
// and a missing clamp bound is unbounded.
type RuleDoc struct {
	Dimension       string   `yaml:"dimension"`
	Strategy        string   `yaml:"strategy"`
	UsePipeline     *bool    `yaml:"use_pipeline,omitempty"`
	Clamp           *Bounds  `yaml:"clamp,omitempty"`
	ValidationRules []string `yaml:"validation_rules,omitempty"`
}

type Bounds struct {
	Min *float64 `yaml:"min"`
	Max *float64 `yaml:"max"`
}

// MergeRule converts the document form.
func (r RuleDoc) MergeRule() contracts.MergeRule {
	rule := contracts.MergeRule{
		Dimension:       r.Dimension,
		Strategy:        contracts.MergeStrategy(r.Strategy),
		UsePipeline:     r.UsePipeline == nil || *r.UsePipeline,
		ValidationRules: r.ValidationRules,
	}
	if r.Clamp != nil {
		c := contracts.Unbounded()
		if r.Clamp.Min != nil {
			c.Min = *r.Clamp.Min
		}
		if r.Clamp.Max != nil {
			c.Max = *r.Clamp.Max
		}
		rule.DefaultClamp = &c
	}
	return rule
}

// LoadDocument reads and validates the rules document at path.
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load rules %q: %w", path, err)
	}
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("load rules %q: %w", path, err)
	}
	return doc, nil
}

// ParseDocument validates data against the rules schema and the supported
// format version, then decodes it.
func ParseDocument(data []byte) (*Document, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, contracts.Wrap(contracts.KindConfiguration, "parse_rules", "", err)
	}
	if raw == nil {
		return nil, contracts.Configurationf("parse_rules", "", "document is empty")
	}
	// Round-trip through JSON so the validator sees JSON value types.
	j, err := json.Marshal(raw)
	if err != nil {
		return nil, contracts.Wrap(contracts.KindConfiguration, "parse_rules", "", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(j))
	if err != nil {
		return nil, contracts.Wrap(contracts.KindConfiguration, "parse_rules", "", err)
	}
	s, err := schema()
	if err != nil {
		return nil, contracts.Wrap(contracts.KindConfiguration, "parse_rules", "schema", err)
	}
	if err := s.Validate(instance); err != nil {
		return nil, &contracts.Error{Kind: contracts.KindConfiguration, Op: "parse_rules", Message: "schema validation failed", Err: err}
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, contracts.Wrap(contracts.KindConfiguration, "parse_rules", "", err)
	}
	if err := checkFormat(doc.FormatVersion); err != nil {
		return nil, err
	}
	return &doc, nil
}

func checkFormat(v string) error {
	version, err := semver.NewVersion(v)
	if err != nil {
		return &contracts.Error{Kind: contracts.KindConfiguration, Op: "parse_rules", Subject: "format_version", Message: "invalid version " + v, Err: err}
	}
	constraint, err := semver.NewConstraint(SupportedFormat)
	if err != nil {
		return contracts.Wrap(contracts.KindConfiguration, "parse_rules", "format_version", err)
	}
	if !constraint.Check(version) {
		return contracts.Configurationf("parse_rules", "format_version", "version %s does not satisfy %s", version, SupportedFormat)
	}
	return nil
}

// Apply installs the document's layers, signed dimensions and merge rules.
// Every failure is reported.
func (d *Document) Apply(rules *combiner.Registry, provider *caps.Provider) error {
	var errs []error
	if d.Layers != nil {
		layers := provider.Layers()
		if len(d.Layers.Order) > 0 {
			if err := layers.SetOrder(d.Layers.Order); err != nil {
				errs = append(errs, err)
			}
		}
		if d.Layers.Policy != "" {
			if err := layers.SetPolicy(caps.Policy(d.Layers.Policy)); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, dim := range d.SignedDimensions {
		provider.SetSigned(dim, true)
	}
	for _, r := range d.MergeRules {
		if err := rules.SetRule(r.Dimension, r.MergeRule()); err != nil {
			errs = append(errs, err)
		}
	}
	for dim, v := range d.BaseValues {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			errs = append(errs, contracts.Configurationf("base_values", dim, "must be finite"))
		}
	}
	return errors.Join(errs...)
}
