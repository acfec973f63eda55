package icon

import (
	"image"
	"os"
	"path/filepath"
	"strings"
)

var themeSizes = []string{"256x256", "128x128", "96x96", "64x64", "48x48", "32x32", "24x24", "16x16"}

var imageExts = []string{".png", ".webp", ".bmp", ".jpg"}

// Theme resolves a named icon ("firefox", "dialog-information") against
// hicolor theme directories and pixmaps. Vector icons are not rendered.
type Theme struct {
	Name string
	Dirs []string
}

func (t Theme) Load() (image.Image, error) {
	path := t.Lookup()
	if path == "" {
		return nil, ErrNoIcon
	}
	return File{Path: path}.Load()
}

// Lookup returns the first raster file matching Name, or "".
func (t Theme) Lookup() string {
	name := strings.TrimSpace(t.Name)
	if name == "" || strings.ContainsRune(name, os.PathSeparator) {
		return ""
	}
	dirs := t.Dirs
	if len(dirs) == 0 {
		dirs = DefaultThemeDirs()
	}
	for _, base := range dirs {
		for _, size := range themeSizes {
			for _, cat := range []string{"apps", "status", "devices", "categories"} {
				if p := firstExisting(filepath.Join(base, "hicolor", size, cat, name)); p != "" {
					return p
				}
			}
		}
		if p := firstExisting(filepath.Join(filepath.Dir(base), "pixmaps", name)); p != "" {
			return p
		}
	}
	return ""
}

func firstExisting(stem string) string {
	for _, ext := range imageExts {
		p := stem + ext
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p
		}
	}
	return ""
}

// DefaultThemeDirs lists icon roots per the XDG base directory layout.
func DefaultThemeDirs() []string {
	var out []string
	if home := os.Getenv("XDG_DATA_HOME"); home != "" {
		out = append(out, filepath.Join(home, "icons"))
	} else if h, err := os.UserHomeDir(); err == nil {
		out = append(out, filepath.Join(h, ".local", "share", "icons"))
	}
	data := os.Getenv("XDG_DATA_DIRS")
	if data == "" {
		data = "/usr/local/share:/usr/share"
	}
	for _, d := range filepath.SplitList(data) {
		if d != "" {
			out = append(out, filepath.Join(d, "icons"))
		}
	}
	return out
}

// FromHint maps a freedesktop app_icon / image-path value to a handle: a
// file:// URI or absolute path becomes a File, anything else a Theme name.
func FromHint(hint string, dirs []string) Handle {
	hint = strings.TrimSpace(hint)
	switch {
	case hint == "":
		return nil
	case strings.HasPrefix(hint, "file://"):
		return File{Path: strings.TrimPrefix(hint, "file://")}
	case filepath.IsAbs(hint):
		return File{Path: hint}
	default:
		return Theme{Name: hint, Dirs: dirs}
	}
}
