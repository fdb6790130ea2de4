package capture

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// VideoDevice is a V4L2 device node.
type VideoDevice struct {
	Path string `json:"path"`
	Name string `json:"name,omitempty"`
}

// ListDevices returns the /dev/video* nodes, named from sysfs when it
// describes them.
func ListDevices() ([]VideoDevice, error) {
	return listDevices("/dev", "/sys/class/video4linux")
}

func listDevices(devDir, sysDir string) ([]VideoDevice, error) {
	paths, err := filepath.Glob(filepath.Join(devDir, "video*"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	devices := make([]VideoDevice, 0, len(paths))
	for _, p := range paths {
		d := VideoDevice{Path: p}
		if name, err := os.ReadFile(filepath.Join(sysDir, filepath.Base(p), "name")); err == nil {
			d.Name = strings.TrimSpace(string(name))
		}
		devices = append(devices, d)
	}
	return devices, nil
}
