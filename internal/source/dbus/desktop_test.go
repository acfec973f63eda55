package dbus

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEntry(t *testing.T, dir, id, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".desktop"), []byte(body), 0o644))
}

func TestDesktopIndex(t *testing.T) {
	user, system := t.TempDir(), t.TempDir()
	writeEntry(t, system, "org.example.Editor", "[Desktop Entry]\nName=System Editor\n")
	writeEntry(t, user, "org.example.Editor", "# local override\n[Desktop Entry]\nName[de]=Bearbeiter\nName = Editor\nExec=editor %U\n\n[Desktop Action new]\nName=New Window\n")
	writeEntry(t, system, "org.example.Daemon", "[Desktop Entry]\nName=Daemon\nNoDisplay=true\n")

	idx := newDesktopIndex([]string{user, system})
	var launched []string
	idx.run = func(ctx context.Context, name string, args ...string) error {
		launched = append(launched, name+" "+args[0])
		return nil
	}

	label, err := idx.label("org.example.Editor")
	require.NoError(t, err)
	assert.Equal(t, "Editor", label)

	_, err = idx.label("org.example.Missing")
	assert.ErrorIs(t, err, errUnknownApp)
	_, err = idx.label("../etc/passwd")
	assert.ErrorIs(t, err, errUnknownApp)

	ctx := context.Background()
	ok, err := idx.launch(ctx, "org.example.Editor")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = idx.launch(ctx, "org.example.Daemon")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = idx.launch(ctx, "org.example.Missing")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []string{"gtk-launch org.example.Editor"}, launched)
}
