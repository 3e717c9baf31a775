// Package skills validates and watches agent skill directories.
//
// validator.go - SKILL.md validation
//
// This file contains:
// - Result, the outcome of validating one skill
// - Validate for a skill directory and ValidateText for raw content
// - frontmatter parsing (yaml.v3) and type checking (jsonschema-go)
package skills

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/google/jsonschema-go/jsonschema"
	"gopkg.in/yaml.v3"
)

// FileName is the skill definition file inside a skill directory.
const FileName = "SKILL.md"

const (
	MaxNameLength          = 64
	MaxDescriptionLength   = 1024
	MaxCompatibilityLength = 500
	MinDescriptionLength   = 50
	MaxBodyLines           = 500
)

// AllowedProperties are the frontmatter keys a skill may declare.
var AllowedProperties = []string{"allowed-tools", "compatibility", "description", "license", "metadata", "name"}

var (
	frontmatterRe = regexp.MustCompile(`(?s)^---\n(.*?)\n---`)
	kebabRe       = regexp.MustCompile(`^[a-z0-9-]+$`)
	h1Re          = regexp.MustCompile(`(?m)^# `)
	h2Re          = regexp.MustCompile(`(?m)^## `)
	codeBlockRe   = regexp.MustCompile("```\\w+")
)

// optionalSchema types the frontmatter keys that have no dedicated check.
var optionalSchema = mustResolve(&jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"license":       {Type: "string"},
		"allowed-tools": {Types: []string{"string", "array"}},
		"metadata":      {Type: "object"},
	},
})

func mustResolve(s *jsonschema.Schema) *jsonschema.Resolved {
	r, err := s.Resolve(nil)
	if err != nil {
		panic(fmt.Sprintf("skills: resolving frontmatter schema: %v", err))
	}
	return r
}

// Result is the outcome of validating a skill.
type Result struct {
	Valid       bool     `json:"valid"`
	Errors      []string `json:"errors"`
	Warnings    []string `json:"warnings"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
}

type validation struct {
	errors   []string
	warnings []string
}

func (v *validation) errorf(format string, args ...any) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}

func (v *validation) warnf(format string, args ...any) {
	v.warnings = append(v.warnings, fmt.Sprintf(format, args...))
}

func (v *validation) result(fm map[string]any) *Result {
	r := &Result{
		Valid:    len(v.errors) == 0,
		Errors:   slices.Clone(v.errors),
		Warnings: slices.Clone(v.warnings),
	}
	if r.Errors == nil {
		r.Errors = []string{}
	}
	if r.Warnings == nil {
		r.Warnings = []string{}
	}
	if fm != nil {
		r.Name, _ = fm["name"].(string)
		r.Description, _ = fm["description"].(string)
	}
	return r
}

// Validate checks the skill directory at dir.
func Validate(dir string) *Result {
	v := &validation{}

	info, err := os.Stat(dir)
	if err != nil {
		v.errorf("Skill path does not exist: %s", dir)
		return v.result(nil)
	}
	if !info.IsDir() {
		v.errorf("Skill path is not a directory: %s", dir)
		return v.result(nil)
	}

	path := filepath.Join(dir, FileName)
	info, err = os.Stat(path)
	if err != nil {
		v.errorf("%s not found in %s", FileName, dir)
		return v.result(nil)
	}
	if !info.Mode().IsRegular() {
		v.errorf("%s is not a file: %s", FileName, path)
		return v.result(nil)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		v.errorf("Cannot read %s: %v", FileName, err)
		return v.result(nil)
	}
	if !utf8.Valid(data) {
		v.errorf("%s is not valid UTF-8", FileName)
		return v.result(nil)
	}

	return v.content(string(data), filepath.Base(filepath.Clean(dir)))
}

// ValidateText checks SKILL.md content. dirName is compared with the
// declared name.
func ValidateText(content, dirName string) *Result {
	v := &validation{}
	return v.content(content, dirName)
}

func (v *validation) content(content, dirName string) *Result {
	content = strings.ReplaceAll(content, "\r\n", "\n")

	if !strings.HasPrefix(content, "---") {
		v.errorf("YAML frontmatter must start at line 1 (must begin with '---')")
		return v.result(nil)
	}

	loc := frontmatterRe.FindStringSubmatchIndex(content)
	if loc == nil {
		v.errorf("Invalid frontmatter format: must have opening '---' and closing '---'")
		return v.result(nil)
	}

	var raw any
	if err := yaml.Unmarshal([]byte(content[loc[2]:loc[3]]), &raw); err != nil {
		v.errorf("Invalid YAML in frontmatter: %v", err)
		return v.result(nil)
	}
	fm, ok := raw.(map[string]any)
	if !ok {
		v.errorf("Frontmatter must be a YAML mapping")
		return v.result(nil)
	}

	v.required(fm)
	v.name(fm, dirName)
	v.description(fm)
	v.compatibility(fm)
	v.properties(fm)
	v.types(fm)
	v.body(strings.TrimSpace(content[loc[1]:]))

	return v.result(fm)
}

func (v *validation) required(fm map[string]any) {
	if _, ok := fm["name"]; !ok {
		v.errorf("Missing required field: 'name'")
	}
	if _, ok := fm["description"]; !ok {
		v.errorf("Missing required field: 'description'")
	}
}

func (v *validation) name(fm map[string]any, dirName string) {
	raw, ok := fm["name"]
	if !ok || raw == nil {
		return
	}
	name, ok := raw.(string)
	if !ok {
		v.errorf("'name' must be a string, got %T", raw)
		return
	}
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		v.errorf("'name' cannot be empty")
	case !kebabRe.MatchString(name):
		v.errorf("'name' '%s' should be kebab-case (lowercase letters, digits, and hyphens only)", name)
	case strings.HasPrefix(name, "-") || strings.HasSuffix(name, "-") || strings.Contains(name, "--"):
		v.errorf("'name' '%s' cannot start/end with hyphen or contain consecutive hyphens", name)
	case len(name) > MaxNameLength:
		v.errorf("'name' is too long (%d chars). Maximum is %d.", len(name), MaxNameLength)
	case name != dirName:
		v.warnf("'name' ('%s') does not match directory name ('%s')", name, dirName)
	}
}

func (v *validation) description(fm map[string]any) {
	raw, ok := fm["description"]
	if !ok || raw == nil {
		return
	}
	desc, ok := raw.(string)
	if !ok {
		v.errorf("'description' must be a string, got %T", raw)
		return
	}
	desc = strings.TrimSpace(desc)
	n := utf8.RuneCountInString(desc)
	switch {
	case desc == "":
		v.errorf("'description' cannot be empty")
	case strings.ContainsAny(desc, "<>"):
		v.errorf("'description' cannot contain angle brackets (< or >)")
	case n > MaxDescriptionLength:
		v.errorf("'description' is too long (%d chars). Maximum is %d.", n, MaxDescriptionLength)
	case n < MinDescriptionLength:
		v.warnf("'description' is quite short (%d chars). Consider adding more detail for better triggering.", n)
	}
}

func (v *validation) compatibility(fm map[string]any) {
	raw, ok := fm["compatibility"]
	if !ok || raw == nil {
		return
	}
	c, ok := raw.(string)
	if !ok {
		v.errorf("'compatibility' must be a string, got %T", raw)
		return
	}
	if n := utf8.RuneCountInString(c); n > MaxCompatibilityLength {
		v.errorf("'compatibility' is too long (%d chars). Maximum is %d.", n, MaxCompatibilityLength)
	}
}

func (v *validation) properties(fm map[string]any) {
	var unexpected []string
	for k := range fm {
		if !slices.Contains(AllowedProperties, k) {
			unexpected = append(unexpected, k)
		}
	}
	if len(unexpected) == 0 {
		return
	}
	slices.Sort(unexpected)
	v.errorf("Unexpected properties in frontmatter: %s. Allowed: %s",
		strings.Join(unexpected, ", "), strings.Join(AllowedProperties, ", "))
}

// types checks the optional keys against optionalSchema. The frontmatter is
// round-tripped through JSON so the validator sees plain JSON values.
func (v *validation) types(fm map[string]any) {
	opt := make(map[string]any)
	for _, k := range []string{"license", "allowed-tools", "metadata"} {
		if val, ok := fm[k]; ok && val != nil {
			opt[k] = val
		}
	}
	if len(opt) == 0 {
		return
	}
	data, err := json.Marshal(opt)
	if err != nil {
		v.errorf("Frontmatter values cannot be represented as JSON: %v", err)
		return
	}
	var instance map[string]any
	if err := json.Unmarshal(data, &instance); err != nil {
		v.errorf("Frontmatter values cannot be represented as JSON: %v", err)
		return
	}
	if err := optionalSchema.Validate(instance); err != nil {
		v.errorf("Invalid frontmatter value: %v", err)
	}
}

func (v *validation) body(body string) {
	if body == "" {
		v.warnf("%s body is empty", FileName)
		return
	}
	if !h1Re.MatchString(body) {
		v.warnf("No H1 heading (# Title) found in body")
	}
	if !h2Re.MatchString(body) {
		v.warnf("No H2 sections (## Section) found in body")
	}
	if lines := strings.Count(body, "\n") + 1; lines > MaxBodyLines {
		v.warnf("Body is quite long (%d lines). Consider moving detailed content to references/.", lines)
	}
	if !codeBlockRe.MatchString(body) {
		v.warnf("No code blocks found. Consider adding examples.")
	}
}
