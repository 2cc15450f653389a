package pathutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpand_HomeShortcut(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := Expand("~/.rocker/sandboxes.json")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".rocker", "sandboxes.json"), got)
}

func TestExpand_EnvVar(t *testing.T) {
	t.Setenv("ROCKER_RUN_DIR", "/tmp/rocker-run")

	got, err := Expand("$ROCKER_RUN_DIR/server.lock")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/rocker-run/server.lock", got)
}

func TestExpand_Empty(t *testing.T) {
	got, err := Expand("   ")
	require.NoError(t, err)
	assert.Equal(t, "", got)
}

func TestExpand_HomeEnvTilde(t *testing.T) {
	t.Setenv("HOME", "~")

	got, err := Expand("~/.rocker/server.lock")
	if err != nil {
		// Neither the passwd entry nor HOME gave a usable directory.
		return
	}
	require.NotEmpty(t, got)
	assert.NotEqual(t, byte('~'), got[0])
}

func TestCleanAbs(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "clean", in: "/data/app/exec", want: "/data/app/exec"},
		{name: "dot segments", in: "/data/app/../app/./exec/", want: "/data/app/exec"},
		{name: "root", in: "/", want: "/"},
		{name: "empty", in: "", wantErr: true},
		{name: "relative", in: "data/app", wantErr: true},
		{name: "nul", in: "/data/a\x00pp", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CleanAbs(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
