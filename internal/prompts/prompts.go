package prompts

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"text/template"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/yungbote/marketbench-backend/internal/domain/reports"
)

//go:embed prompts.yaml schemas/*.json
var promptFS embed.FS

// ErrMalformedOutput wraps every parse or schema failure of model output.
var ErrMalformedOutput = errors.New("malformed model output")

// Request is what the generator sends to the AI service for one report.
type Request struct {
	System      string
	User        string
	MaxTokens   int
	Temperature float64
}

type yamlSpec struct {
	Version     int                 `yaml:"version"`
	Temperature float64             `yaml:"temperature"`
	System      string              `yaml:"system"`
	User        string              `yaml:"user"`
	Tiers       map[string]yamlTier `yaml:"tiers"`
}

type yamlTier struct {
	MaxTokens int      `yaml:"max_tokens"`
	Sections  []string `yaml:"sections"`
}

type tier struct {
	maxTokens int
	sections  []string
	schemaRaw string
	schema    *jsonschema.Schema
}

type catalog struct {
	temperature float64
	system      *template.Template
	user        *template.Template
	tiers       map[reports.Plan]*tier
}

var (
	catalogOnce sync.Once
	catalogVal  *catalog
	catalogErr  error
)

var funcs = template.FuncMap{
	"add":  func(a, b int) int { return a + b },
	"join": strings.Join,
}

func load() (*catalog, error) {
	catalogOnce.Do(func() {
		catalogVal, catalogErr = loadCatalog()
	})
	return catalogVal, catalogErr
}

func loadCatalog() (*catalog, error) {
	data, err := promptFS.ReadFile("prompts.yaml")
	if err != nil {
		return nil, err
	}
	var spec yamlSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse prompts.yaml: %w", err)
	}
	system, err := template.New("system").Funcs(funcs).Option("missingkey=error").Parse(spec.System)
	if err != nil {
		return nil, fmt.Errorf("parse system template: %w", err)
	}
	user, err := template.New("user").Funcs(funcs).Option("missingkey=error").Parse(spec.User)
	if err != nil {
		return nil, fmt.Errorf("parse user template: %w", err)
	}

	c := &catalog{
		temperature: spec.Temperature,
		system:      system,
		user:        user,
		tiers:       map[reports.Plan]*tier{},
	}
	for _, plan := range []reports.Plan{reports.PlanStandard, reports.PlanPro, reports.PlanAgency} {
		yt, ok := spec.Tiers[string(plan)]
		if !ok {
			return nil, fmt.Errorf("prompts.yaml: missing tier %q", plan)
		}
		if yt.MaxTokens <= 0 {
			return nil, fmt.Errorf("prompts.yaml: tier %q max_tokens must be positive", plan)
		}
		name := fmt.Sprintf("schemas/%s.json", plan)
		raw, err := promptFS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(name, bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("load schema %s: %w", name, err)
		}
		schema, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, raw); err != nil {
			return nil, fmt.Errorf("compact schema %s: %w", name, err)
		}
		c.tiers[plan] = &tier{
			maxTokens: yt.MaxTokens,
			sections:  yt.Sections,
			schemaRaw: compact.String(),
			schema:    schema,
		}
	}
	return c, nil
}

// Build renders the tier's prompts for one questionnaire.
func Build(plan reports.Plan, in *reports.InputData) (*Request, error) {
	if in == nil {
		return nil, fmt.Errorf("input data required")
	}
	c, err := load()
	if err != nil {
		return nil, err
	}
	t, ok := c.tiers[plan]
	if !ok {
		return nil, fmt.Errorf("unknown plan %q", plan)
	}

	data := map[string]any{
		"Input":     in,
		"Plan":      string(plan),
		"PlanTitle": plan.Title(),
		"Language":  nonEmpty(in.Language, "en"),
		"Tone":      nonEmpty(in.Tone, "neutral"),
		"Sections":  t.sections,
		"Schema":    t.schemaRaw,
	}
	var sys, usr bytes.Buffer
	if err := c.system.Execute(&sys, data); err != nil {
		return nil, fmt.Errorf("render system prompt: %w", err)
	}
	if err := c.user.Execute(&usr, data); err != nil {
		return nil, fmt.Errorf("render user prompt: %w", err)
	}
	return &Request{
		System:      strings.TrimSpace(sys.String()),
		User:        strings.TrimSpace(usr.String()),
		MaxTokens:   t.maxTokens,
		Temperature: c.temperature,
	}, nil
}

// ParseOutput turns raw model text into validated report JSON. Markdown
// fences and surrounding prose are tolerated; nothing partial is returned.
func ParseOutput(plan reports.Plan, text string) (json.RawMessage, error) {
	c, err := load()
	if err != nil {
		return nil, err
	}
	t, ok := c.tiers[plan]
	if !ok {
		return nil, fmt.Errorf("unknown plan %q", plan)
	}

	doc, err := parseJSONObject(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if err := t.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: does not match %s schema: %v", ErrMalformedOutput, plan, err)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return out, nil
}

func parseJSONObject(content string) (map[string]any, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("empty output")
	}
	candidates := []string{content}
	if stripped := StripCodeFences(content); stripped != content {
		candidates = append(candidates, stripped)
	}
	if extracted := extractObject(content); extracted != "" && extracted != content {
		candidates = append(candidates, extracted)
	}
	for _, candidate := range candidates {
		var doc map[string]any
		if err := json.Unmarshal([]byte(candidate), &doc); err == nil && doc != nil {
			return doc, nil
		}
	}
	return nil, fmt.Errorf("no JSON object found")
}

// StripCodeFences removes a leading ```lang line and a trailing ``` line.
func StripCodeFences(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return strings.TrimSpace(strings.Trim(trimmed, "`"))
	}
	lines = lines[1:]
	if strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func extractObject(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return ""
	}
	return strings.TrimSpace(content[start : end+1])
}

func nonEmpty(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
