package actionschema

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/fernwake/insightd/internal/homeassistant"
)

type fakeCatalog struct {
	domains []homeassistant.ServiceDomain
	err     error
}

func (f *fakeCatalog) GetServices(_ context.Context) ([]homeassistant.ServiceDomain, error) {
	return f.domains, f.err
}

func sampleCatalog() []homeassistant.ServiceDomain {
	return []homeassistant.ServiceDomain{
		{
			Domain: "light",
			Services: map[string]homeassistant.Service{
				"turn_on": {
					Description: "Turn on a light",
					Fields: map[string]homeassistant.ServiceField{
						"brightness": {Description: "Brightness 0-255"},
						"entity_id":  {Description: "Target light"},
					},
				},
				"turn_off": {Description: "Turn off a light"},
				"reload":   {Description: "Reload light config"},
			},
		},
		{
			Domain: "homeassistant",
			Services: map[string]homeassistant.Service{
				"restart": {Description: "Restart Home Assistant"},
				"stop":    {Description: "Stop Home Assistant"},
				"toggle":  {Description: "Toggle an entity"},
			},
		},
		{
			Domain: "persistent_notification",
			Services: map[string]homeassistant.Service{
				"create":  {Description: "Show a notification"},
				"dismiss": {Description: "Dismiss a notification"},
			},
		},
	}
}

func TestBuild_DenyList(t *testing.T) {
	b := NewBuilder(&fakeCatalog{domains: sampleCatalog()}, nil)

	got, err := b.Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	for _, d := range got {
		if deniedServices[d.Service] {
			t.Errorf("deny-listed service leaked: %s.%s", d.Domain, d.Service)
		}
		if d.Domain == "persistent_notification" {
			t.Errorf("deny-listed domain leaked: %s.%s", d.Domain, d.Service)
		}
	}

	// The survivors: homeassistant.toggle, light.turn_off, light.turn_on.
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3: %+v", len(got), got)
	}
}

func TestBuild_SortedOutput(t *testing.T) {
	b := NewBuilder(&fakeCatalog{domains: sampleCatalog()}, nil)

	got, err := b.Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	for i := 1; i < len(got); i++ {
		prev, cur := got[i-1], got[i]
		if prev.Domain > cur.Domain ||
			(prev.Domain == cur.Domain && prev.Service > cur.Service) {
			t.Errorf("output not sorted at %d: %s.%s before %s.%s",
				i, prev.Domain, prev.Service, cur.Domain, cur.Service)
		}
	}
}

func TestBuild_FieldDescriptions(t *testing.T) {
	b := NewBuilder(&fakeCatalog{domains: sampleCatalog()}, nil)

	got, err := b.Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	var turnOn *Descriptor
	for i := range got {
		if got[i].Domain == "light" && got[i].Service == "turn_on" {
			turnOn = &got[i]
		}
	}
	if turnOn == nil {
		t.Fatal("light.turn_on missing")
	}
	if turnOn.Fields["brightness"] != "Brightness 0-255" {
		t.Errorf("fields = %v", turnOn.Fields)
	}
}

func TestBuild_CatalogError(t *testing.T) {
	b := NewBuilder(&fakeCatalog{err: errors.New("boom")}, nil)

	if _, err := b.Build(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestJSON_Idempotent(t *testing.T) {
	b := NewBuilder(&fakeCatalog{domains: sampleCatalog()}, nil)

	first, err := b.Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	second, err := b.Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	j1, err := JSON(first)
	if err != nil {
		t.Fatal(err)
	}
	j2, err := JSON(second)
	if err != nil {
		t.Fatal(err)
	}

	if j1 != j2 {
		t.Errorf("serialized output differs across identical builds:\n%s\n%s", j1, j2)
	}
	if !strings.Contains(j1, `"light"`) {
		t.Errorf("json = %s", j1)
	}
}
