package hardware

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSysfs(t *testing.T, root string, files map[string]string) {
	t.Helper()

	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content+"\n"), 0o600))
	}
}

func TestScan(t *testing.T) {
	root := t.TempDir()

	writeSysfs(t, root, map[string]string{
		"mlx5_1/node_guid":          "0c42:a103:0065:1a2b",
		"mlx5_1/node_type":          "1: CA",
		"mlx5_1/ports/1/state":      "1: DOWN",
		"mlx5_1/ports/1/link_layer": "Ethernet",
		"mlx5_1/ports/1/rate":       "40 Gb/sec (4X QDR)",
		"mlx5_0/node_guid":          "0c42:a103:0065:1a2a",
		"mlx5_0/node_type":          "1: CA",
		"mlx5_0/fw_ver":             "22.31.1014",
		"mlx5_0/ports/2/state":      "4: ACTIVE",
		"mlx5_0/ports/2/link_layer": "InfiniBand",
		"mlx5_0/ports/2/rate":       "100 Gb/sec (4X EDR)",
		"mlx5_0/ports/1/state":      "4: ACTIVE",
		"mlx5_0/ports/1/link_layer": "InfiniBand",
		"mlx5_0/ports/1/rate":       "2.5 Gb/sec (1X SDR)",
		"mlx5_0/ports/1/gids/0":     "fe80:0000:0000:0000:0e42:a1ff:fe65:1a2a",
	})

	devices, err := Scan(root)
	require.NoError(t, err)
	require.Len(t, devices, 2)

	dev := devices[0]
	assert.Equal(t, "mlx5_0", dev.Name)
	assert.Equal(t, "CA", dev.NodeType)
	assert.Equal(t, "22.31.1014", dev.FirmwareVer)
	require.Len(t, dev.Ports, 2)
	assert.Equal(t, 1, dev.Ports[0].Number)
	assert.Equal(t, "ACTIVE", dev.Ports[0].State)
	assert.Equal(t, uint64(2), dev.Ports[0].Speed)
	assert.Equal(t, "fe80:0000:0000:0000:0e42:a1ff:fe65:1a2a", dev.Ports[0].GID0)
	assert.Equal(t, uint64(100), dev.Ports[1].Speed)

	port, ok := devices[1].Port(1)
	require.True(t, ok)
	assert.False(t, port.Active())
	assert.Equal(t, "Ethernet", port.LinkLayer)

	_, ok = devices[1].Port(2)
	assert.False(t, ok)
}

func TestScanMissingRoot(t *testing.T) {
	devices, err := Scan(filepath.Join(t.TempDir(), "infiniband"))
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestFind(t *testing.T) {
	devices := []Device{{Name: "mlx5_0"}, {Name: "rxe0"}}

	dev, err := Find(devices, "rxe0")
	require.NoError(t, err)
	assert.Equal(t, "rxe0", dev.Name)

	dev, err = Find(devices, "")
	require.NoError(t, err)
	assert.Equal(t, "mlx5_0", dev.Name)

	_, err = Find(devices, "mlx4_0")
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	_, err = Find(nil, "")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestParseNodeType(t *testing.T) {
	tests := map[string]string{
		"1: CA":     "CA",
		"2: SWITCH": "Switch",
		"3":         "Router",
		"4: RNIC":   "RNIC",
		"":          "Unknown",
	}

	for in, want := range tests {
		assert.Equal(t, want, parseNodeType(in), in)
	}
}

func TestParseSpeed(t *testing.T) {
	assert.Equal(t, uint64(200), parseSpeed("200 Gb/sec (4X HDR)"))
	assert.Equal(t, uint64(0), parseSpeed(""))
	assert.Equal(t, uint64(0), parseSpeed("fast"))
}
