// Package hardware enumerates the RDMA devices the kernel exposes in sysfs.
package hardware

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// DefaultSysfsRoot is where the kernel lists RDMA devices.
const DefaultSysfsRoot = "/sys/class/infiniband"

// ErrDeviceNotFound is returned by Find when no device has the given name.
var ErrDeviceNotFound = errors.New("rdma device not found")

// Port describes one physical port of a device.
type Port struct {
	State     string `json:"state" yaml:"state"`
	LinkLayer string `json:"link_layer" yaml:"link_layer"`
	GID0      string `json:"gid0,omitempty" yaml:"gid0,omitempty"`
	Number    int    `json:"number" yaml:"number"`
	Speed     uint64 `json:"speed" yaml:"speed"` // Gb/s
}

// Active reports whether the port can carry traffic.
func (p Port) Active() bool {
	return strings.EqualFold(p.State, "ACTIVE")
}

// Device contains information about a detected RDMA device.
type Device struct {
	Name        string `json:"name" yaml:"name"`
	Path        string `json:"path" yaml:"path"`
	NodeGUID    string `json:"node_guid" yaml:"node_guid"`
	NodeType    string `json:"node_type" yaml:"node_type"`
	FirmwareVer string `json:"firmware_version,omitempty" yaml:"firmware_version,omitempty"`
	Ports       []Port `json:"ports" yaml:"ports"`
}

// Port returns the port with the given 1-based number.
func (d Device) Port(number int) (Port, bool) {
	for _, p := range d.Ports {
		if p.Number == number {
			return p, true
		}
	}

	return Port{}, false
}

// Scan lists the devices under root, sorted by name. A missing root means
// the host has no RDMA devices and is not an error.
func Scan(root string) ([]Device, error) {
	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		log.Debug().Str("path", root).Msg("No RDMA devices found in sysfs")
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", root, err)
	}

	devices := make([]Device, 0, len(entries))

	for _, entry := range entries {
		devicePath := filepath.Join(root, entry.Name())
		devices = append(devices, Device{
			Name:        entry.Name(),
			Path:        devicePath,
			NodeGUID:    readSysfsFile(filepath.Join(devicePath, "node_guid")),
			NodeType:    parseNodeType(readSysfsFile(filepath.Join(devicePath, "node_type"))),
			FirmwareVer: readSysfsFile(filepath.Join(devicePath, "fw_ver")),
			Ports:       scanPorts(filepath.Join(devicePath, "ports")),
		})
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].Name < devices[j].Name })

	return devices, nil
}

// Find returns the device called name, or the first device when name is
// empty.
func Find(devices []Device, name string) (Device, error) {
	if name == "" && len(devices) > 0 {
		return devices[0], nil
	}

	for _, d := range devices {
		if d.Name == name {
			return d, nil
		}
	}

	return Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
}

func scanPorts(portsPath string) []Port {
	entries, err := os.ReadDir(portsPath)
	if err != nil {
		return nil
	}

	ports := make([]Port, 0, len(entries))

	for _, entry := range entries {
		number, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}

		portPath := filepath.Join(portsPath, entry.Name())
		ports = append(ports, Port{
			Number:    number,
			State:     parseState(readSysfsFile(filepath.Join(portPath, "state"))),
			LinkLayer: readSysfsFile(filepath.Join(portPath, "link_layer")),
			Speed:     parseSpeed(readSysfsFile(filepath.Join(portPath, "rate"))),
			GID0:      readSysfsFile(filepath.Join(portPath, "gids", "0")),
		})
	}

	sort.Slice(ports, func(i, j int) bool { return ports[i].Number < ports[j].Number })

	return ports
}

// readSysfsFile reads a sysfs file and returns its content.
func readSysfsFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}

// parseNodeType converts the "1: CA" node type format to its name.
func parseNodeType(nodeType string) string {
	number, _, _ := strings.Cut(strings.TrimSpace(nodeType), ":")

	switch strings.TrimSpace(number) {
	case "1":
		return "CA"
	case "2":
		return "Switch"
	case "3":
		return "Router"
	case "4":
		return "RNIC"
	default:
		return "Unknown"
	}
}

// parseState strips the numeric prefix from "4: ACTIVE".
func parseState(state string) string {
	if _, name, ok := strings.Cut(state, ":"); ok {
		return strings.TrimSpace(name)
	}

	return state
}

// parseSpeed parses "100 Gb/sec (4X EDR)" to Gb/s.
func parseSpeed(rate string) uint64 {
	parts := strings.Fields(rate)
	if len(parts) == 0 {
		return 0
	}

	speed, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0
	}

	return uint64(speed)
}
