package docker

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMemoryString(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
	}{
		{"", 0},
		{"0", 0},
		{"1024", 1024},
		{"1K", 1024},
		{"1k", 1024},
		{"1M", 1024 * 1024},
		{"1G", 1024 * 1024 * 1024},
		{"4G", 4 * 1024 * 1024 * 1024},
		{"2048M", 2048 * 1024 * 1024},
		{"1T", 1024 * 1024 * 1024 * 1024},
		{"lots", 0},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseMemoryString(tt.input))
		})
	}
}

func TestBuildResourceConstraints(t *testing.T) {
	tests := []struct {
		name    string
		memory  string
		cpus    int
		wantMem int64
		wantCPU int64
	}{
		{"empty", "", 0, 0, 0},
		{"memory only", "4G", 0, 4 * 1024 * 1024 * 1024, 0},
		{"cpus only", "", 4, 0, 4e9},
		{"both", "2G", 2, 2 * 1024 * 1024 * 1024, 2e9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resources := buildResourceConstraints(tt.memory, tt.cpus)
			assert.Equal(t, tt.wantMem, resources.Memory, "Memory")
			assert.Equal(t, tt.wantCPU, resources.NanoCPUs, "NanoCPUs")
		})
	}
}

func TestNewLauncherRequiresTarget(t *testing.T) {
	_, err := NewLauncher(Config{})
	assert.Error(t, err, "NewLauncher() with neither container nor image should fail")
}

func TestHostWorkDir(t *testing.T) {
	assert.Equal(t, "/srv/project", hostWorkDir("/srv/project"))

	wd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, wd, hostWorkDir(""))
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "0123456789ab", shortID("0123456789abcdef"))
	assert.Equal(t, "abc", shortID("abc"))
}
