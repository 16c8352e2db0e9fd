package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeID(t *testing.T) {
	tests := []struct {
		in, fallback, want string
	}{
		{"Acme Corp", "default", "acme_corp"},
		{"  __Planta-1__ ", "default", "planta-1"},
		{"***", "default", "default"},
		{"", "general", "general"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeID(tt.in, tt.fallback))
		})
	}
}

func TestWithTrailingSlash(t *testing.T) {
	assert.Equal(t, "base/acme/", WithTrailingSlash("base/acme"))
	assert.Equal(t, "base/acme/", WithTrailingSlash("base/acme///"))
	assert.Equal(t, "/", WithTrailingSlash(""))
}

func TestSplitCSV(t *testing.T) {
	assert.Equal(t, []string{"a", "b/c"}, SplitCSV(" a, ,b/c ,"))
	assert.Empty(t, SplitCSV(""))
}

func TestContainsFold(t *testing.T) {
	assert.True(t, ContainsFold([]string{" Ops@Acme.io "}, "ops@acme.io"))
	assert.False(t, ContainsFold(nil, "x"))
}
