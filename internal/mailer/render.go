package mailer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"github.com/ignite/campaign-dispatch/internal/domain"
)

// Renderer substitutes per-recipient tokens into campaign content using
// Liquid templates. Parsed templates are cached by key so a campaign's
// subject and bodies are compiled once per process, not once per send.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// NewRenderer creates a renderer with email-oriented filters registered.
func NewRenderer() *Renderer {
	r := &Renderer{engine: liquid.NewEngine()}
	r.registerFilters()
	return r
}

func (r *Renderer) registerFilters() {
	// Fallback value: {{ name | default: "there" }}
	r.engine.RegisterFilter("default", func(value interface{}, fallback string) interface{} {
		if value == nil {
			return fallback
		}
		s := fmt.Sprintf("%v", value)
		if s == "" || s == "<nil>" {
			return fallback
		}
		return value
	})

	r.engine.RegisterFilter("capitalize", func(s string) string {
		if len(s) == 0 {
			return s
		}
		return strings.ToUpper(string(s[0])) + strings.ToLower(s[1:])
	})

	r.engine.RegisterFilter("email_domain", func(email string) string {
		parts := strings.Split(email, "@")
		if len(parts) == 2 {
			return parts[1]
		}
		return ""
	})
}

// Render compiles and renders a template with the given bindings. Parsed
// templates are cached under cacheKey when one is provided. Render is lax:
// on a parse or render failure the raw template text is returned along with
// the error so callers can choose to send the unpersonalized content.
func (r *Renderer) Render(cacheKey, templateStr string, bindings map[string]interface{}) (string, error) {
	if cacheKey != "" {
		if cached, ok := r.cache.Load(cacheKey); ok {
			tpl := cached.(*liquid.Template)
			out, err := tpl.RenderString(bindings)
			if err != nil {
				return templateStr, err
			}
			return out, nil
		}
	}

	tpl, err := r.engine.ParseString(templateStr)
	if err != nil {
		return templateStr, err
	}
	if cacheKey != "" {
		r.cache.Store(cacheKey, tpl)
	}

	out, err := tpl.RenderString(bindings)
	if err != nil {
		return templateStr, err
	}
	return out, nil
}

// RenderMessage personalizes a campaign's subject and bodies for one send.
// Render errors fall back to the raw template text rather than blocking the
// dispatch; the first error encountered is returned for logging.
func (r *Renderer) RenderMessage(campaign *domain.Campaign, send *domain.Send) (Message, error) {
	bindings := SendBindings(send)

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	prefix := "campaign:" + campaign.ID + ":"

	subject, err := r.Render(prefix+"subject", campaign.Subject, bindings)
	keep(err)
	htmlBody, err := r.Render(prefix+"html", campaign.HTMLBody, bindings)
	keep(err)
	textBody, err := r.Render(prefix+"text", campaign.TextBody, bindings)
	keep(err)

	return Message{
		Subject:  subject,
		HTMLBody: htmlBody,
		TextBody: textBody,
	}, firstErr
}

// SendBindings builds the token context for one recipient. Names fall back
// to the local part of the address so "{{ name }}" never renders empty.
func SendBindings(send *domain.Send) map[string]interface{} {
	name := send.TargetName
	if name == "" {
		if at := strings.Index(send.TargetEmail, "@"); at > 0 {
			name = send.TargetEmail[:at]
		}
	}
	return map[string]interface{}{
		"email": send.TargetEmail,
		"name":  name,
	}
}

// ClearCache drops all compiled templates, used after campaign content edits.
func (r *Renderer) ClearCache() {
	r.cache = sync.Map{}
}
