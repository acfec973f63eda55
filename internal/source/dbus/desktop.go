package dbus

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

var errUnknownApp = errors.New("dbus: unknown application")

// DefaultAppDirs lists the XDG application directories, user first.
func DefaultAppDirs() []string {
	var out []string
	if home := os.Getenv("XDG_DATA_HOME"); home != "" {
		out = append(out, filepath.Join(home, "applications"))
	} else if h, err := os.UserHomeDir(); err == nil {
		out = append(out, filepath.Join(h, ".local", "share", "applications"))
	}
	data := os.Getenv("XDG_DATA_DIRS")
	if data == "" {
		data = "/usr/local/share:/usr/share"
	}
	for _, d := range filepath.SplitList(data) {
		if d != "" {
			out = append(out, filepath.Join(d, "applications"))
		}
	}
	return out
}

type desktopEntry struct {
	name   string
	hidden bool
}

// desktopIndex resolves application ids to .desktop entries. Misses are
// cached too; the table is small and rarely changes while running.
type desktopIndex struct {
	dirs []string
	run  func(ctx context.Context, name string, args ...string) error

	mu    sync.Mutex
	cache map[string]*desktopEntry
}

func newDesktopIndex(dirs []string) *desktopIndex {
	if dirs == nil {
		dirs = DefaultAppDirs()
	}
	return &desktopIndex{
		dirs:  dirs,
		run:   runCommand,
		cache: map[string]*desktopEntry{},
	}
}

func runCommand(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Start()
}

func (d *desktopIndex) find(appID string) *desktopEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.cache[appID]; ok {
		return e
	}
	var found *desktopEntry
	for _, dir := range d.dirs {
		e, err := parseDesktopFile(filepath.Join(dir, appID+".desktop"))
		if err == nil {
			found = &e
			break
		}
	}
	d.cache[appID] = found
	return found
}

func (d *desktopIndex) label(appID string) (string, error) {
	if appID == "" || strings.ContainsAny(appID, "/\\") {
		return "", errUnknownApp
	}
	e := d.find(appID)
	if e == nil || e.name == "" {
		return "", fmt.Errorf("%w: %s", errUnknownApp, appID)
	}
	return e.name, nil
}

// launch starts the application through gtk-launch. Unknown or hidden
// entries report false.
func (d *desktopIndex) launch(ctx context.Context, appID string) (bool, error) {
	if appID == "" || strings.ContainsAny(appID, "/\\") {
		return false, nil
	}
	e := d.find(appID)
	if e == nil || e.hidden {
		return false, nil
	}
	if err := d.run(ctx, "gtk-launch", appID); err != nil {
		return false, fmt.Errorf("dbus: launch %s: %w", appID, err)
	}
	return true, nil
}

// parseDesktopFile reads the unlocalized Name and the NoDisplay/Hidden
// flags from the [Desktop Entry] group.
func parseDesktopFile(path string) (desktopEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return desktopEntry{}, err
	}
	defer f.Close()

	var (
		e       desktopEntry
		inGroup bool
	)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			inGroup = line == "[Desktop Entry]"
			continue
		}
		if !inGroup {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(k) {
		case "Name":
			e.name = strings.TrimSpace(v)
		case "NoDisplay", "Hidden":
			if strings.TrimSpace(v) == "true" {
				e.hidden = true
			}
		}
	}
	if err := sc.Err(); err != nil {
		return desktopEntry{}, err
	}
	return e, nil
}
