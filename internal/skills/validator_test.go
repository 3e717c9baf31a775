package skills

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const goodSkill = `---
name: code-review
description: Reviews Go changes for correctness, error handling and test coverage before merge.
license: MIT
allowed-tools: Bash Read
metadata:
  owner: platform
---
# Code Review

## Usage

` + "```bash\ngit diff main\n```\n"

func writeSkill(t *testing.T, root, name, content string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0o644))
	return dir
}

func hasMessage(msgs []string, substr string) bool {
	for _, m := range msgs {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

func TestValidate_Directory(t *testing.T) {
	root := t.TempDir()

	t.Run("valid skill", func(t *testing.T) {
		dir := writeSkill(t, root, "code-review", goodSkill)
		r := Validate(dir)
		require.True(t, r.Valid, "errors: %v", r.Errors)
		assert.Empty(t, r.Warnings)
		assert.Equal(t, "code-review", r.Name)
		assert.True(t, strings.HasPrefix(r.Description, "Reviews Go changes"), "Description = %q", r.Description)
	})

	t.Run("missing path", func(t *testing.T) {
		r := Validate(filepath.Join(root, "nope"))
		assert.False(t, r.Valid)
		assert.True(t, hasMessage(r.Errors, "does not exist"), "errors = %v", r.Errors)
	})

	t.Run("file instead of directory", func(t *testing.T) {
		path := filepath.Join(root, "plain.txt")
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
		r := Validate(path)
		assert.False(t, r.Valid)
		assert.True(t, hasMessage(r.Errors, "not a directory"), "errors = %v", r.Errors)
	})

	t.Run("missing SKILL.md", func(t *testing.T) {
		dir := filepath.Join(root, "empty")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		r := Validate(dir)
		assert.False(t, r.Valid)
		assert.True(t, hasMessage(r.Errors, "SKILL.md not found"), "errors = %v", r.Errors)
	})

	t.Run("name mismatch warns", func(t *testing.T) {
		dir := writeSkill(t, root, "reviewer", goodSkill)
		r := Validate(dir)
		require.True(t, r.Valid, "errors = %v", r.Errors)
		assert.True(t, hasMessage(r.Warnings, "does not match directory name"), "warnings = %v", r.Warnings)
	})
}

func TestValidateText(t *testing.T) {
	longDesc := strings.Repeat("a", MaxDescriptionLength+1)
	tests := []struct {
		name      string
		content   string
		wantValid bool
		wantError string
		wantWarn  string
	}{
		{
			name:      "no frontmatter",
			content:   "# Title\n",
			wantError: "must start at line 1",
		},
		{
			name:      "unterminated frontmatter",
			content:   "---\nname: x\n",
			wantError: "Invalid frontmatter format",
		},
		{
			name:      "invalid yaml",
			content:   "---\nname: [unclosed\n---\n",
			wantError: "Invalid YAML",
		},
		{
			name:      "not a mapping",
			content:   "---\n- a\n- b\n---\n",
			wantError: "must be a YAML mapping",
		},
		{
			name:      "missing fields",
			content:   "---\nlicense: MIT\n---\n# T\n",
			wantError: "Missing required field: 'name'",
		},
		{
			name:      "name not kebab",
			content:   "---\nname: Code_Review\ndescription: d\n---\n",
			wantError: "kebab-case",
		},
		{
			name:      "name double hyphen",
			content:   "---\nname: code--review\ndescription: d\n---\n",
			wantError: "consecutive hyphens",
		},
		{
			name:      "name too long",
			content:   "---\nname: " + strings.Repeat("a", MaxNameLength+1) + "\ndescription: d\n---\n",
			wantError: "'name' is too long",
		},
		{
			name:      "name not a string",
			content:   "---\nname: 42\ndescription: d\n---\n",
			wantError: "'name' must be a string",
		},
		{
			name:      "angle brackets",
			content:   "---\nname: code-review\ndescription: use <this>\n---\n",
			wantError: "angle brackets",
		},
		{
			name:      "description too long",
			content:   "---\nname: code-review\ndescription: " + longDesc + "\n---\n",
			wantError: "'description' is too long",
		},
		{
			name:      "short description warns",
			content:   "---\nname: code-review\ndescription: short\n---\n",
			wantValid: true,
			wantWarn:  "quite short",
		},
		{
			name:      "compatibility too long",
			content:   "---\nname: code-review\ndescription: d\ncompatibility: " + strings.Repeat("c", MaxCompatibilityLength+1) + "\n---\n",
			wantError: "'compatibility' is too long",
		},
		{
			name:      "unexpected property",
			content:   "---\nname: code-review\ndescription: d\nauthor: me\n---\n",
			wantError: "Unexpected properties in frontmatter: author",
		},
		{
			name:      "metadata not a mapping",
			content:   "---\nname: code-review\ndescription: d\nmetadata: flat\n---\n",
			wantError: "Invalid frontmatter value",
		},
		{
			name:      "empty body warns",
			content:   "---\nname: code-review\ndescription: d\n---\n",
			wantValid: true,
			wantWarn:  "body is empty",
		},
		{
			name:      "no headings warns",
			content:   "---\nname: code-review\ndescription: d\n---\nplain text\n",
			wantValid: true,
			wantWarn:  "No H1 heading",
		},
		{
			name:      "no code blocks warns",
			content:   "---\nname: code-review\ndescription: d\n---\n# T\n## S\n",
			wantValid: true,
			wantWarn:  "No code blocks",
		},
		{
			name:      "long body warns",
			content:   "---\nname: code-review\ndescription: d\n---\n# T\n" + strings.Repeat("line\n", MaxBodyLines+1),
			wantValid: true,
			wantWarn:  "quite long",
		},
		{
			name:      "crlf line endings",
			content:   strings.ReplaceAll(goodSkill, "\n", "\r\n"),
			wantValid: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := ValidateText(tt.content, "code-review")
			assert.Equal(t, tt.wantValid, r.Valid, "errors: %v", r.Errors)
			if tt.wantError != "" {
				assert.True(t, hasMessage(r.Errors, tt.wantError), "errors = %v, want one containing %q", r.Errors, tt.wantError)
			}
			if tt.wantWarn != "" {
				assert.True(t, hasMessage(r.Warnings, tt.wantWarn), "warnings = %v, want one containing %q", r.Warnings, tt.wantWarn)
			}
		})
	}
}
