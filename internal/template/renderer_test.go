package template

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSettings = Settings{
	PracticeName:  "Praxis Dr. Weber",
	PracticePhone: "030 1234567",
	OpeningHours:  "Mo-Fr 08:00-18:00",
}

func TestRenderUnknownTemplate(t *testing.T) {
	renderer := NewRenderer()

	_, err := renderer.Render("does_not_exist", nil, testSettings)
	assert.True(t, errors.Is(err, ErrUnknownTemplate))
}

func TestRenderAppendsSignature(t *testing.T) {
	renderer := NewRenderer()

	out, err := renderer.Render(TerminVorschlag, map[string]any{
		"slot_time": "12.03.2025 10:00",
	}, testSettings)
	require.NoError(t, err)

	assert.Contains(t, out, "12.03.2025 10:00")
	assert.Contains(t, out, "Praxis Dr. Weber")
	assert.Contains(t, out, "030 1234567")
	assert.Contains(t, out, "Mo-Fr 08:00-18:00")
	assert.True(t, strings.Contains(out, "Mit freundlichen Grüßen"))
}

func TestRenderSignatureStandsAlone(t *testing.T) {
	renderer := NewRenderer()

	out, err := renderer.Render(Signatur, map[string]any{
		"practice_name":  testSettings.PracticeName,
		"practice_phone": testSettings.PracticePhone,
		"opening_hours":  testSettings.OpeningHours,
	}, testSettings)
	require.NoError(t, err)

	// The signature itself is rendered exactly once.
	assert.Equal(t, 1, strings.Count(out, "Mit freundlichen Grüßen"))
}

func TestRenderOptionalPatientName(t *testing.T) {
	renderer := NewRenderer()

	with, err := renderer.Render(FAQAntwort, map[string]any{
		"patient_name": "Frau Schmidt",
		"answer":       "Die Sprechzeiten finden Sie auf unserer Webseite.",
	}, testSettings)
	require.NoError(t, err)
	assert.Contains(t, with, "Guten Tag Frau Schmidt,")

	without, err := renderer.Render(FAQAntwort, map[string]any{
		"answer": "Die Sprechzeiten finden Sie auf unserer Webseite.",
	}, testSettings)
	require.NoError(t, err)
	assert.Contains(t, without, "Guten Tag,")
}

func TestRenderAllTemplates(t *testing.T) {
	renderer := NewRenderer()

	vars := map[string]any{
		"slot_time": "12.03.2025 10:00",
		"answer":    "Antworttext.",
	}
	for _, id := range []string{TerminVorschlag, TerminBestaetigung, TerminAbsage, FAQAntwort, VorsichtSensibel} {
		out, err := renderer.Render(id, vars, testSettings)
		require.NoError(t, err, "template %s", id)
		assert.Contains(t, out, testSettings.PracticeName, "template %s", id)
	}
}
