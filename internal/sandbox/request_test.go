package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	base := Request{
		AppID:       1,
		UID:         1000,
		PackagePath: "/srv/app.squashfs",
		ExecDir:     "/srv/exec/",
		DataDir:     "/srv/data",
	}

	tests := []struct {
		name     string
		overlays []string
		want     []string
		wantErr  bool
	}{
		{name: "none", overlays: nil, want: []string{}},
		{name: "cleaned", overlays: []string{"/usr/", "/var//lib"}, want: []string{"/usr", "/var/lib"}},
		{name: "duplicates dropped", overlays: []string{"/usr", "/etc", "/usr/", "/etc"}, want: []string{"/usr", "/etc"}},
		{name: "relative", overlays: []string{"usr"}, wantErr: true},
		{name: "root", overlays: []string{"/"}, wantErr: true},
		{name: "empty", overlays: []string{""}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			req.OverlayDirs = tt.overlays
			got, err := req.Normalize()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPath)
				assert.Error(t, req.Validate())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.OverlayDirs)
			assert.Equal(t, "/srv/exec", got.ExecDir)
			assert.NoError(t, req.Validate())
		})
	}
}

func TestNormalizeLeavesOriginal(t *testing.T) {
	req := Request{PackagePath: "/a", ExecDir: "/b", DataDir: "/c", OverlayDirs: []string{"/usr/", "/usr"}}
	_, err := req.Normalize()
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/", "/usr"}, req.OverlayDirs)
}
