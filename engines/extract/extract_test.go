package extract

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-labs/harvest/core"
)

func docFrom(t *testing.T, html string) *goquery.Selection {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)
	return doc.Selection
}

func TestFromSelector_TextAndAttr(t *testing.T) {
	doc := docFrom(t, `<html><body><h1 class="title">Widget Pro</h1><a class="link" href="/widget/1">x</a></body></html>`)

	v, conf, ok := FromSelector(doc, core.SelectorSpec{CSS: ".title"})
	require.True(t, ok)
	assert.Equal(t, "Widget Pro", v)
	assert.Equal(t, 1.0, conf)

	href := "href"
	v, _, ok = FromSelector(doc, core.SelectorSpec{CSS: ".link", Attr: &href})
	require.True(t, ok)
	assert.Equal(t, "/widget/1", v)
}

func TestFromSelector_AllCollectsEveryMatch(t *testing.T) {
	doc := docFrom(t, `<ul><li class="tag">a</li><li class="tag">b</li><li class="tag">c</li></ul>`)
	v, _, ok := FromSelector(doc, core.SelectorSpec{CSS: ".tag", All: true})
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b", "c"}, v)
}

func TestFromSelector_RegexFirstCaptureGroup(t *testing.T) {
	doc := docFrom(t, `<span class="price">Price: $42.50 USD</span>`)
	re := `\$(\d+\.\d+)`
	v, _, ok := FromSelector(doc, core.SelectorSpec{CSS: ".price", Regex: &re})
	require.True(t, ok)
	assert.Equal(t, "42.50", v)
}

func TestFromSelector_MissingSelectorReturnsNotFound(t *testing.T) {
	doc := docFrom(t, `<div></div>`)
	_, _, ok := FromSelector(doc, core.SelectorSpec{CSS: ".nope"})
	assert.False(t, ok)
}

func TestClassify_Phone(t *testing.T) {
	v, conf := Classify(core.TypedPhone, "(555) 123-4567")
	assert.Equal(t, "5551234567", v)
	assert.GreaterOrEqual(t, conf, requiredFieldFloor)
}

func TestClassify_Email(t *testing.T) {
	v, conf := Classify(core.TypedEmail, "Ops@Example.COM")
	assert.Equal(t, "ops@example.com", v)
	assert.GreaterOrEqual(t, conf, requiredFieldFloor)
}

func TestClassify_EmailInvalidIsLowConfidence(t *testing.T) {
	_, conf := Classify(core.TypedEmail, "not-an-email")
	assert.Less(t, conf, requiredFieldFloor)
}

func TestClassify_Integer(t *testing.T) {
	v, conf := Classify(core.TypedInteger, "in stock: 42 units")
	assert.Equal(t, 42, v)
	assert.GreaterOrEqual(t, conf, requiredFieldFloor)
}

func TestRequiredFieldSatisfied(t *testing.T) {
	assert.True(t, RequiredFieldSatisfied(0.75))
	assert.False(t, RequiredFieldSatisfied(0.74))
}

func TestCollectChannels_JSONLDAndOpenGraph(t *testing.T) {
	html := `<html><head>
		<meta property="og:title" content="Widget Pro">
		<script type="application/ld+json">{"@type":"Product","name":"Widget Pro"}</script>
	</head><body></body></html>`

	channels := CollectChannels(html)
	require.Len(t, channels, 2)

	names := map[string]bool{}
	for _, c := range channels {
		names[c.Name] = true
	}
	assert.True(t, names["json-ld"])
	assert.True(t, names["opengraph-twitter"])
}

func TestAgreement_CountsCorroboratingChannels(t *testing.T) {
	channels := []Channel{
		{Name: "json-ld", Raw: `{"name":"Widget Pro","price":"42.50"}`},
		{Name: "opengraph-twitter", Raw: "Widget Pro"},
	}
	count, blob := Agreement("Widget Pro", channels)
	assert.Equal(t, 2, count)
	assert.Contains(t, blob, "json-ld")
	assert.Contains(t, blob, "opengraph-twitter")
}

func TestAmplifyConfidence(t *testing.T) {
	assert.Equal(t, 0.5, AmplifyConfidence(0.5, 1))
	assert.Equal(t, 0.7, AmplifyConfidence(0.5, 2))
	assert.Equal(t, 0.8, AmplifyConfidence(0.5, 3))
	assert.Equal(t, 1.0, AmplifyConfidence(0.9, 3))
}
