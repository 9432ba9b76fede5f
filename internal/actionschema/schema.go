// Package actionschema enumerates the Home Assistant service catalog
// into a compact, filtered list of callable actions for the analysis
// prompt. A deny-list removes destructive and administrative services
// so the model can never be offered them.
package actionschema

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/fernwake/insightd/internal/homeassistant"
)

// deniedServices are service names excluded from the catalog in every
// domain. These are lifecycle/administration operations, not automation.
var deniedServices = map[string]bool{
	"reload":  true,
	"remove":  true,
	"update":  true,
	"restart": true,
	"stop":    true,
}

// deniedDomains are excluded wholesale. Notification administration is
// never offered to the model; the coordinator owns notification dispatch.
var deniedDomains = map[string]bool{
	"persistent_notification": true,
}

// Descriptor describes one safely callable service.
type Descriptor struct {
	Domain      string            `json:"domain"`
	Service     string            `json:"service"`
	Description string            `json:"description,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
}

// Source provides the service catalog. Satisfied by homeassistant.Client.
type Source interface {
	GetServices(ctx context.Context) ([]homeassistant.ServiceDomain, error)
}

// Builder turns the host service catalog into prompt-ready descriptors.
type Builder struct {
	source Source
	logger *slog.Logger
}

// NewBuilder creates a schema builder.
func NewBuilder(source Source, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{source: source, logger: logger}
}

// Build fetches the catalog and returns the filtered descriptors,
// sorted by domain then service so the output is deterministic for an
// unchanged catalog. Pure transformation, no side effects.
func (b *Builder) Build(ctx context.Context) ([]Descriptor, error) {
	domains, err := b.source.GetServices(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch service catalog: %w", err)
	}

	var out []Descriptor
	for _, d := range domains {
		if deniedDomains[d.Domain] {
			continue
		}
		for name, svc := range d.Services {
			if deniedServices[name] {
				continue
			}

			var fields map[string]string
			if len(svc.Fields) > 0 {
				fields = make(map[string]string, len(svc.Fields))
				for fname, f := range svc.Fields {
					fields[fname] = f.Description
				}
			}

			out = append(out, Descriptor{
				Domain:      d.Domain,
				Service:     name,
				Description: svc.Description,
				Fields:      fields,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Domain != out[j].Domain {
			return out[i].Domain < out[j].Domain
		}
		return out[i].Service < out[j].Service
	})

	b.logger.Debug("action schema built", "services", len(out))
	return out, nil
}

// JSON serializes descriptors for prompt substitution. Map keys are
// marshaled in sorted order, so two builds over an unchanged catalog
// produce byte-identical output.
func JSON(descriptors []Descriptor) (string, error) {
	data, err := json.Marshal(descriptors)
	if err != nil {
		return "", fmt.Errorf("marshal action schema: %w", err)
	}
	return string(data), nil
}
