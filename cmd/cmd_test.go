package cmd

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"photohub/internal/config"
	"photohub/internal/device"
)

// run はルートコマンドを引数つきで実行し、標準出力を返す
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--log-output", ""))
	err := root.Execute()
	return out.String(), err
}

func TestConfigCommand(t *testing.T) {
	out, err := run(t, "config", "--port", "9090", "--driver", "mock")
	require.NoError(t, err)

	var cfg config.Config
	require.NoError(t, yaml.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, device.DriverMock, cfg.Camera.Driver)
	assert.Equal(t, "gphoto2", cfg.Camera.DSLR.Command)
}

func TestProbeCommand_Mock(t *testing.T) {
	out, err := run(t, "probe", "--driver", "mock")
	require.NoError(t, err)

	var res map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &res), out)
	assert.Equal(t, true, res["ok"])
	assert.Equal(t, "dslr", res["engine"])
	assert.Equal(t, "usb:001,002", res["device"])
}

func TestDevicesCommand_Mock(t *testing.T) {
	out, err := run(t, "devices", "--driver", "mock")
	require.NoError(t, err)

	var devices struct {
		UVC  []string            `json:"uvc"`
		DSLR []device.DeviceInfo `json:"dslr"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &devices), out)
	assert.Equal(t, []string{"/dev/video0"}, devices.UVC)
	require.Len(t, devices.DSLR, 1)
	assert.Equal(t, "usb:001,002", devices.DSLR[0].Port)
}

func TestInvalidConfig(t *testing.T) {
	_, err := run(t, "config", "--port", "70000")
	assert.Error(t, err)
}

func TestNewBackends(t *testing.T) {
	cfg := &config.Config{}
	cfg.Camera.UVC.Driver = device.DriverFFmpeg
	cfg.Camera.DSLR.Enabled = false

	uvc, dslr, err := newBackends(cfg, device.NewRegistry())
	require.NoError(t, err)
	require.NotNil(t, uvc)
	assert.Equal(t, device.EngineUVC, uvc.Engine())
	assert.Nil(t, dslr)

	cfg.Camera.UVC.Driver = "vfw"
	_, _, err = newBackends(cfg, device.NewRegistry())
	assert.Error(t, err)
}
