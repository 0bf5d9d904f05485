package stylespec

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
)

const styleSpecEnv = "STYLE_SPEC_YAML"

//go:embed styles.yaml
var styleSpecFS embed.FS

// DefaultStyle is used when a caller leaves the style blank.
const DefaultStyle = "realistic"

// Style is one image-prompt preset. PromptTemplate becomes the system
// turn of the prompt-generation chat call; the sentence text goes in
// the user turn.
type Style struct {
	Name           string `yaml:"name"`
	PromptTemplate string `yaml:"prompt_template"`
	Negative       string `yaml:"negative"`
	ModelHint      string `yaml:"model_hint"`
}

type yamlStyleSpec struct {
	Spec    string  `yaml:"spec"`
	Version int     `yaml:"version"`
	Styles  []Style `yaml:"styles"`
}

// fallback presets used when YAML is missing or invalid
var fallbackStyles = []Style{
	{
		Name: "realistic",
		PromptTemplate: "You turn one sentence from a novel into a single English " +
			"image-generation prompt. Reply with the prompt only, one line, " +
			"comma-separated descriptors. Append: photorealistic, cinematic lighting, high detail.",
		Negative: "text, watermark, lowres",
	},
	{
		Name: "anime",
		PromptTemplate: "You turn one sentence from a novel into a single English " +
			"image-generation prompt. Reply with the prompt only, one line, " +
			"comma-separated descriptors. Append: anime key visual, cel shading, vibrant colors.",
		Negative: "text, watermark, photorealistic",
	},
}

var specOnce sync.Once
var specCache map[string]Style
var specOrder []string
var specErr error

func currentStyles(log *logger.Logger) map[string]Style {
	specOnce.Do(func() {
		specCache, specOrder, specErr = loadStyles()
	})
	if specErr != nil {
		if log != nil {
			log.Warn("stylespec: load failed; using fallback presets", "error", specErr)
		}
		byName := make(map[string]Style, len(fallbackStyles))
		for _, s := range fallbackStyles {
			byName[s.Name] = s
		}
		return byName
	}
	return specCache
}

// Resolve returns the preset for name. Blank resolves to DefaultStyle;
// an unknown name is a validation failure.
func Resolve(log *logger.Logger, name string) (Style, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = DefaultStyle
	}
	styles := currentStyles(log)
	if s, ok := styles[key]; ok {
		return s, nil
	}
	return Style{}, apierr.Validation("stylespec.resolve",
		fmt.Sprintf("unknown style %q (known: %s)", name, strings.Join(Names(log), ", ")))
}

// Names lists the available preset names in document order.
func Names(log *logger.Logger) []string {
	styles := currentStyles(log)
	if specErr == nil && len(specOrder) > 0 {
		return append([]string(nil), specOrder...)
	}
	out := make([]string, 0, len(styles))
	for _, s := range fallbackStyles {
		if _, ok := styles[s.Name]; ok {
			out = append(out, s.Name)
		}
	}
	return out
}

func loadStyles() (map[string]Style, []string, error) {
	data, err := readStyleSpec()
	if err != nil {
		return nil, nil, err
	}
	return parseStyleSpec(data)
}

func readStyleSpec() ([]byte, error) {
	if path := strings.TrimSpace(os.Getenv(styleSpecEnv)); path != "" {
		return os.ReadFile(path)
	}
	return styleSpecFS.ReadFile("styles.yaml")
}

func parseStyleSpec(data []byte) (map[string]Style, []string, error) {
	var spec yamlStyleSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, nil, err
	}
	if strings.TrimSpace(spec.Spec) != "style_presets" {
		return nil, nil, fmt.Errorf("unexpected spec: %s", spec.Spec)
	}
	if len(spec.Styles) == 0 {
		return nil, nil, errors.New("no styles defined")
	}

	byName := make(map[string]Style, len(spec.Styles))
	order := make([]string, 0, len(spec.Styles))
	for _, s := range spec.Styles {
		name := strings.ToLower(strings.TrimSpace(s.Name))
		if name == "" {
			return nil, nil, errors.New("style name is required")
		}
		if _, exists := byName[name]; exists {
			return nil, nil, fmt.Errorf("duplicate style name: %s", name)
		}
		if strings.TrimSpace(s.PromptTemplate) == "" {
			return nil, nil, fmt.Errorf("style %s: prompt_template is required", name)
		}
		s.Name = name
		s.PromptTemplate = strings.TrimSpace(s.PromptTemplate)
		byName[name] = s
		order = append(order, name)
	}
	return byName, order, nil
}
