package pipeline

import (
	"fmt"
	"time"
)

// Handler signatures every adapter implements.
type (
	GenerateStreamsHandler func(ctx *GenerateStreamsContext) error
	ProcessStreamHandler   func(ctx *ProcessStreamContext) error
	ProcessDataHandler     func(ctx *ProcessDataContext) error
)

// Descriptor is one platform adapter: the capability map entry the engine
// dispatches through. ProcessWebhookStream is optional; platforms without
// webhook ingress leave it nil.
type Descriptor struct {
	Platform PlatformType

	GenerateStreams      GenerateStreamsHandler
	ProcessStream        ProcessStreamHandler
	ProcessWebhookStream ProcessStreamHandler
	ProcessData          ProcessDataHandler

	// MemberAttributes declares the typed attributes this adapter emits.
	MemberAttributes []MemberAttribute

	// CheckEvery is how often incremental re-checks should run. Zero means
	// the platform is webhook-only and never polled after onboarding.
	CheckEvery time.Duration
}

// Registry maps platform discriminators to adapter descriptors. It is built
// once at startup and passed by reference; nothing mutates it afterwards.
type Registry struct {
	byPlatform map[PlatformType]Descriptor
}

// NewRegistry validates and indexes the given descriptors.
func NewRegistry(descriptors []Descriptor) (*Registry, error) {
	byPlatform := make(map[PlatformType]Descriptor, len(descriptors))
	for _, d := range descriptors {
		if d.Platform == "" {
			return nil, fmt.Errorf("descriptor without platform")
		}
		if d.GenerateStreams == nil || d.ProcessStream == nil || d.ProcessData == nil {
			return nil, fmt.Errorf("descriptor %s is missing required handlers", d.Platform)
		}
		if _, dup := byPlatform[d.Platform]; dup {
			return nil, fmt.Errorf("duplicate descriptor for platform %s", d.Platform)
		}
		byPlatform[d.Platform] = d
	}
	return &Registry{byPlatform: byPlatform}, nil
}

// Lookup resolves the adapter for a platform.
func (r *Registry) Lookup(platform PlatformType) (Descriptor, error) {
	d, ok := r.byPlatform[platform]
	if !ok {
		return Descriptor{}, &UnknownPlatformError{Platform: platform}
	}
	return d, nil
}

// Platforms lists all registered platforms.
func (r *Registry) Platforms() []PlatformType {
	out := make([]PlatformType, 0, len(r.byPlatform))
	for p := range r.byPlatform {
		out = append(out, p)
	}
	return out
}
