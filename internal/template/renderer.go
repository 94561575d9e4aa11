// Package template renders reply drafts. Rendering is a pure function
// of (template id, vars, settings); every non-signature rendering
// appends the practice signature block.
package template

import (
	"fmt"
	"strings"
	"text/template"
)

// Template ids recognized by the renderer.
const (
	TerminVorschlag    = "termin_vorschlag"
	TerminBestaetigung = "termin_bestaetigung"
	TerminAbsage       = "termin_absage"
	FAQAntwort         = "faq_antwort"
	VorsichtSensibel   = "vorsicht_sensibel"
	Signatur           = "signatur"
)

// ErrUnknownTemplate wraps the template id in the returned error; use
// errors.Is against it.
var ErrUnknownTemplate = fmt.Errorf("unknown template")

// Settings carries the practice identity injected into every rendering.
type Settings struct {
	PracticeName  string
	PracticePhone string
	OpeningHours  string
}

var bodies = map[string]string{
	TerminVorschlag: `Guten Tag{{with .patient_name}} {{.}}{{end}},

vielen Dank für Ihre Terminanfrage. Wir können Ihnen folgenden Termin anbieten:

{{.slot_time}}

Bitte bestätigen Sie den Termin durch eine kurze Antwort auf diese E-Mail. Der Termin wird bis dahin für Sie freigehalten.`,

	TerminBestaetigung: `Guten Tag{{with .patient_name}} {{.}}{{end}},

hiermit bestätigen wir Ihren Termin am {{.slot_time}}.

Sollten Sie den Termin nicht wahrnehmen können, geben Sie uns bitte rechtzeitig Bescheid.`,

	TerminAbsage: `Guten Tag{{with .patient_name}} {{.}}{{end}},

leider müssen wir Ihren Termin am {{.slot_time}} absagen. Bitte melden Sie sich, damit wir einen neuen Termin vereinbaren können.`,

	FAQAntwort: `Guten Tag{{with .patient_name}} {{.}}{{end}},

vielen Dank für Ihre Anfrage.

{{.answer}}`,

	VorsichtSensibel: `Guten Tag{{with .patient_name}} {{.}}{{end}},

vielen Dank für Ihre Nachricht. Ihr Anliegen wird von unserem Praxisteam persönlich bearbeitet. Wir melden uns so schnell wie möglich bei Ihnen.`,

	Signatur: `Mit freundlichen Grüßen
Ihr Praxisteam
{{.practice_name}}
Telefon: {{.practice_phone}}
Sprechzeiten: {{.opening_hours}}`,
}

// Renderer renders reply templates. It is stateless and safe for
// concurrent use.
type Renderer struct {
	templates map[string]*template.Template
}

// NewRenderer parses the built-in templates.
func NewRenderer() *Renderer {
	templates := make(map[string]*template.Template, len(bodies))
	for id, body := range bodies {
		templates[id] = template.Must(template.New(id).Option("missingkey=zero").Parse(body))
	}
	return &Renderer{templates: templates}
}

// Render renders the template with the given vars. Unknown template
// ids return ErrUnknownTemplate. Non-signature renderings end with the
// signature block.
func (r *Renderer) Render(templateID string, vars map[string]any, settings Settings) (string, error) {
	tmpl, ok := r.templates[templateID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTemplate, templateID)
	}

	var buf strings.Builder
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("failed to render %s: %w", templateID, err)
	}

	if templateID == Signatur {
		return buf.String(), nil
	}

	signature, err := r.Render(Signatur, map[string]any{
		"practice_name":  settings.PracticeName,
		"practice_phone": settings.PracticePhone,
		"opening_hours":  settings.OpeningHours,
	}, settings)
	if err != nil {
		return "", err
	}
	return buf.String() + "\n\n" + signature, nil
}
