package fingerprint

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	digest "github.com/opencontainers/go-digest"
)

// Step describes one transform in a pipeline.
// Params must be JSON encodable; map keys are encoded in sorted order.
type Step struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// Descriptor is implemented by caller-defined pipelines that serialize
// themselves. The description must be stable across process restarts.
type Descriptor interface {
	DescribePipeline() ([]byte, error)
}

// Pipeline is the identity of an ordered transform pipeline.
//
// The digest is computed on first use and reused for the lifetime of the
// Pipeline, so a static pipeline is hashed once no matter how many requests
// use it. A nil *Pipeline is the empty pipeline.
type Pipeline struct {
	steps []Step
	desc  Descriptor

	once   sync.Once
	digest digest.Digest
	err    error
}

// NewPipeline returns a pipeline made of steps, applied in order.
func NewPipeline(steps ...Step) *Pipeline {
	return &Pipeline{steps: slices.Clone(steps)}
}

// FromDescriptor returns a pipeline whose identity is d's description.
func FromDescriptor(d Descriptor) *Pipeline {
	return &Pipeline{desc: d}
}

// Steps returns the steps of a step-built pipeline.
func (p *Pipeline) Steps() []Step {
	if p == nil {
		return nil
	}
	return slices.Clone(p.steps)
}

// Describe returns the serialized pipeline description that is hashed.
func (p *Pipeline) Describe() ([]byte, error) {
	if p == nil {
		return json.Marshal([]Step{})
	}
	if p.desc != nil {
		return p.desc.DescribePipeline()
	}
	steps := p.steps
	if steps == nil {
		steps = []Step{}
	}
	return json.Marshal(steps)
}

// Digest returns the pipeline digest, computing it on first call.
func (p *Pipeline) Digest() (digest.Digest, error) {
	if p == nil {
		return describeDigest(nil)
	}
	p.once.Do(func() {
		p.digest, p.err = describeDigest(p)
	})
	return p.digest, p.err
}

func describeDigest(p *Pipeline) (digest.Digest, error) {
	desc, err := p.Describe()
	if err != nil {
		return "", fmt.Errorf("describe pipeline: %w", err)
	}
	return Algorithm.FromBytes(desc), nil
}
