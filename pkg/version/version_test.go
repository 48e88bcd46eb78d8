package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionString(t *testing.T) {
	v := Version{Major: "1", Minor: "2", Patch: "3", Metadata: "rc1", Build: "abc123"}
	assert.Equal(t, "Version: 1.2.3-rc1\nBuild: abc123", v.String())
}

func TestBuildInfo(t *testing.T) {
	s := BuildInfo()
	assert.True(t, strings.HasPrefix(s, runtime.Version()+"\n"), s)
	if _, ok := debug.ReadBuildInfo(); ok {
		assert.Contains(t, s, " mod\t")
	}
}

func TestWriteModuleReplace(t *testing.T) {
	var b strings.Builder
	writeModule(&b, "dep", &debug.Module{
		Path:    "github.com/google/go-dap",
		Version: "v0.9.1",
		Replace: &debug.Module{Path: "../go-dap", Version: ""},
	})
	assert.Equal(t, " dep\tgithub.com/google/go-dap\tv0.9.1\t=> ../go-dap\t\n", b.String())
}
