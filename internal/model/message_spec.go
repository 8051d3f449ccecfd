package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// SpecKind discriminates MessageSpec payloads.
type SpecKind string

const (
	SpecProduct  SpecKind = "product"
	SpecTemplate SpecKind = "template"
	SpecFallback SpecKind = "fallback"
)

// MessageSpec names one source of messages for an automation. Exactly one
// payload field is meaningful, selected by Kind.
type MessageSpec struct {
	Kind         SpecKind   `json:"kind"`
	Product      string     `json:"product,omitempty"`
	TemplateID   *uuid.UUID `json:"template_id,omitempty"`
	TemplateName string     `json:"template_name,omitempty"`
	Trigger      Trigger    `json:"trigger,omitempty"`
}

func ProductSpec(name string) MessageSpec {
	return MessageSpec{Kind: SpecProduct, Product: name}
}

func TemplateSpec(id uuid.UUID, name string) MessageSpec {
	return MessageSpec{Kind: SpecTemplate, TemplateID: &id, TemplateName: name}
}

func FallbackSpec(trigger Trigger) MessageSpec {
	return MessageSpec{Kind: SpecFallback, Trigger: trigger}
}

func (s MessageSpec) Validate() error {
	switch s.Kind {
	case SpecProduct:
		if strings.TrimSpace(s.Product) == "" {
			return fmt.Errorf("product spec without product")
		}
	case SpecTemplate:
		if s.TemplateID == nil || *s.TemplateID == uuid.Nil {
			return fmt.Errorf("template spec without template id")
		}
	case SpecFallback:
		if s.Trigger == "" {
			return fmt.Errorf("fallback spec without trigger")
		}
	default:
		return fmt.Errorf("unknown spec kind %q", s.Kind)
	}
	return nil
}

func (s MessageSpec) String() string {
	switch s.Kind {
	case SpecTemplate:
		return fmt.Sprintf("TEMPLATE:%s:%s", s.TemplateID, s.TemplateName)
	case SpecFallback:
		return "FALLBACK:" + string(s.Trigger)
	default:
		return s.Product
	}
}

// ParseMessageSpec decodes the prefixed string form used by older records:
// "TEMPLATE:<id>:<name>", "FALLBACK:<trigger>", or a bare product name.
func ParseMessageSpec(raw string) (MessageSpec, error) {
	switch {
	case strings.HasPrefix(raw, "TEMPLATE:"):
		parts := strings.SplitN(strings.TrimPrefix(raw, "TEMPLATE:"), ":", 2)
		id, err := uuid.Parse(parts[0])
		if err != nil {
			return MessageSpec{}, fmt.Errorf("invalid template reference %q: %w", raw, err)
		}
		name := ""
		if len(parts) == 2 {
			name = parts[1]
		}
		return TemplateSpec(id, name), nil
	case strings.HasPrefix(raw, "FALLBACK:"):
		trigger := Trigger(strings.TrimPrefix(raw, "FALLBACK:"))
		if trigger == "" {
			return MessageSpec{}, fmt.Errorf("invalid fallback reference %q", raw)
		}
		return FallbackSpec(trigger), nil
	default:
		if strings.TrimSpace(raw) == "" {
			return MessageSpec{}, fmt.Errorf("empty message spec")
		}
		return ProductSpec(raw), nil
	}
}

// SpecList is stored as a JSONB array. It also decodes arrays of legacy
// prefixed strings.
type SpecList []MessageSpec

func (l SpecList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return jsonValue(l)
}

func (l *SpecList) Scan(src interface{}) error {
	return jsonScan(src, l)
}

func (l *SpecList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(SpecList, 0, len(raw))
	for _, item := range raw {
		var legacy string
		if err := json.Unmarshal(item, &legacy); err == nil {
			spec, err := ParseMessageSpec(legacy)
			if err != nil {
				return err
			}
			out = append(out, spec)
			continue
		}
		var spec MessageSpec
		if err := json.Unmarshal(item, &spec); err != nil {
			return err
		}
		out = append(out, spec)
	}
	*l = out
	return nil
}

// Products returns the product names of product specs in order.
func (l SpecList) Products() []string {
	var names []string
	for _, s := range l {
		if s.Kind == SpecProduct {
			names = append(names, s.Product)
		}
	}
	return names
}
