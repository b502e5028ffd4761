package notify

import (
	"fmt"
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"github.com/corredorhq/decision-engine/internal/feature"
)

// Renderer resolves {{path.to.value}} placeholders against a
// {client, features} binding using the Liquid engine in lax mode: an
// unresolved path renders as an empty string, never an error. Parsed
// templates are cached since each matcher pass renders the same body once
// per matched client.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // body string → *liquid.Template
}

// NewRenderer creates a renderer with the stock Liquid engine.
func NewRenderer() *Renderer {
	return &Renderer{engine: liquid.NewEngine()}
}

// Render fills a template body for one client. Only template syntax errors
// are returned; missing bindings resolve to empty strings.
func (r *Renderer) Render(body string, clientData map[string]interface{}, features feature.Map) (string, error) {
	tmpl, err := r.parse(body)
	if err != nil {
		return "", err
	}

	bindings := map[string]interface{}{
		"client":   clientData,
		"features": map[string]interface{}(features),
	}
	out, err := tmpl.RenderString(bindings)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}

func (r *Renderer) parse(body string) (*liquid.Template, error) {
	if cached, ok := r.cache.Load(body); ok {
		return cached.(*liquid.Template), nil
	}
	tmpl, err := r.engine.ParseString(body)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	r.cache.Store(body, tmpl)
	return tmpl, nil
}

// ValidateTemplate reports whether a body parses, for upsert-time feedback.
func (r *Renderer) ValidateTemplate(body string) error {
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("template body is empty")
	}
	_, err := r.parse(body)
	return err
}

var defaultRenderer = NewRenderer()

// ValidateTemplate validates a body against the shared renderer.
func ValidateTemplate(body string) error {
	return defaultRenderer.ValidateTemplate(body)
}
