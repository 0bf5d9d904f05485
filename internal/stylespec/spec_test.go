package stylespec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
)

func TestEmbeddedSpecParses(t *testing.T) {
	data, err := styleSpecFS.ReadFile("styles.yaml")
	require.NoError(t, err)

	byName, order, err := parseStyleSpec(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"realistic", "anime", "watercolor", "comic"}, order)
	for _, name := range order {
		s := byName[name]
		assert.NotEmpty(t, s.PromptTemplate, name)
		assert.NotEmpty(t, s.Negative, name)
	}
}

func TestParseStyleSpecRejectsBadDocuments(t *testing.T) {
	cases := map[string]string{
		"wrong spec":       "spec: other\nstyles:\n  - name: a\n    prompt_template: x\n",
		"no styles":        "spec: style_presets\nstyles: []\n",
		"missing name":     "spec: style_presets\nstyles:\n  - prompt_template: x\n",
		"missing template": "spec: style_presets\nstyles:\n  - name: a\n",
		"duplicate name":   "spec: style_presets\nstyles:\n  - name: a\n    prompt_template: x\n  - name: A\n    prompt_template: y\n",
	}
	for label, doc := range cases {
		_, _, err := parseStyleSpec([]byte(doc))
		assert.Error(t, err, label)
	}
}

func TestResolve(t *testing.T) {
	log := logger.NewNop()

	s, err := Resolve(log, "Anime")
	require.NoError(t, err)
	assert.Equal(t, "anime", s.Name)

	s, err = Resolve(log, "")
	require.NoError(t, err)
	assert.Equal(t, DefaultStyle, s.Name, "blank falls back to the default preset")

	_, err = Resolve(log, "oil-on-velvet")
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindValidation))
}
