package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jwalitptl/crm-outbound/internal/model"
	"github.com/jwalitptl/crm-outbound/internal/repository"
	"github.com/jwalitptl/crm-outbound/internal/sender"
)

// Outbound is one resolved message ready for the sender.
type Outbound struct {
	Type    model.MessageType
	Content string
}

// Dispatcher turns an automation's specs into an ordered message list and
// hands single messages to the sender.
type Dispatcher struct {
	catalog   repository.CatalogRepository
	templates repository.TemplateRepository
	sender    sender.Sender
	company   map[string]string
}

func NewDispatcher(catalog repository.CatalogRepository, templates repository.TemplateRepository, snd sender.Sender, company map[string]string) *Dispatcher {
	return &Dispatcher{catalog: catalog, templates: templates, sender: snd, company: company}
}

// Resolve builds the message sequence. Product specs become one product
// sequence placed first; template and fallback specs follow in order.
func (d *Dispatcher) Resolve(ctx context.Context, a *model.Automation, lead *model.Lead) ([]Outbound, error) {
	vars := leadVars(lead, d.company)
	var out []Outbound

	if names := a.Messages.Products(); len(names) > 0 {
		seq, err := d.productSequence(ctx, names, vars)
		if err != nil {
			return nil, err
		}
		out = append(out, seq...)
	}

	for _, spec := range a.Messages {
		switch spec.Kind {
		case model.SpecProduct:
			continue
		case model.SpecTemplate:
			t, err := d.templates.Get(ctx, *spec.TemplateID)
			if err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					return nil, fmt.Errorf("template %s (%s): %w", spec.TemplateID, spec.TemplateName, ErrDataMissing)
				}
				return nil, fmt.Errorf("load template %s: %w", spec.TemplateID, err)
			}
			out = append(out, renderTemplate(t.Content, t.Media, vars)...)
		case model.SpecFallback:
			seq, err := d.triggerMessages(ctx, spec.Trigger, vars)
			if err != nil {
				return nil, err
			}
			out = append(out, seq...)
		default:
			return nil, fmt.Errorf("spec %q: %w", spec.Kind, ErrDataMissing)
		}
	}
	return out, nil
}

func (d *Dispatcher) productSequence(ctx context.Context, names []string, vars map[string]string) ([]Outbound, error) {
	catalog, err := d.catalog.ListProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	matched, _ := MatchProducts(names, catalog)
	if len(matched) == 0 {
		return nil, fmt.Errorf("no catalog product matches %v: %w", names, ErrDataMissing)
	}

	titles := make([]string, len(matched))
	for i, m := range matched {
		titles[i] = m.Product.Name
	}
	vars["product.names"] = strings.Join(titles, ", ")

	opening, err := d.triggerMessages(ctx, model.TriggerProductIntro, vars)
	if err != nil {
		return nil, err
	}
	out := append([]Outbound(nil), opening...)

	for _, m := range matched {
		p := m.Product
		desc := strings.TrimSpace(p.Description)
		if desc == "" {
			desc = p.Name
		} else {
			desc = "*" + p.Name + "*\n" + desc
		}
		out = append(out, Outbound{Type: model.MessageTypeText, Content: desc})
		for _, img := range p.Images {
			out = append(out, Outbound{Type: model.MessageTypeImage, Content: img})
		}
		for _, vid := range p.Videos {
			out = append(out, Outbound{Type: model.MessageTypeVideo, Content: vid})
		}
		if spec := strings.TrimSpace(p.Specifications); spec != "" {
			out = append(out, Outbound{Type: model.MessageTypeText, Content: "*" + p.Name + " specifications*\n" + spec})
		}
	}

	closing, err := d.triggerMessages(ctx, model.TriggerProductClose, vars)
	if err != nil {
		return nil, err
	}
	return append(out, closing...), nil
}

// triggerMessages renders the active stored template for trigger, or the
// built-in fallback when none exists.
func (d *Dispatcher) triggerMessages(ctx context.Context, trigger model.Trigger, vars map[string]string) ([]Outbound, error) {
	t, err := d.templates.FindActiveByTrigger(ctx, trigger)
	switch {
	case err == nil:
		return renderTemplate(t.Content, t.Media, vars), nil
	case errors.Is(err, repository.ErrNotFound):
		return renderTemplate(FallbackTemplate(trigger), nil, vars), nil
	default:
		return nil, fmt.Errorf("find template for %s: %w", trigger, err)
	}
}

func renderTemplate(content string, media model.MediaList, vars map[string]string) []Outbound {
	var out []Outbound
	if text := strings.TrimSpace(Render(content, vars)); text != "" {
		out = append(out, Outbound{Type: model.MessageTypeText, Content: text})
	}
	for _, m := range media {
		if m.URL == "" {
			continue
		}
		typ := m.Type
		if !typ.IsMedia() {
			typ = model.MessageTypeImage
		}
		out = append(out, Outbound{Type: typ, Content: m.URL})
	}
	return out
}

// Send transmits one message and returns the provider message id.
func (d *Dispatcher) Send(ctx context.Context, recipient string, m Outbound) (string, error) {
	switch m.Type {
	case model.MessageTypeImage:
		return d.sender.SendImage(ctx, recipient, m.Content)
	case model.MessageTypeVideo:
		return d.sender.SendVideo(ctx, recipient, m.Content)
	default:
		return d.sender.SendText(ctx, recipient, m.Content)
	}
}

func (d *Dispatcher) Channel() string {
	return d.sender.Channel()
}
