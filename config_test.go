package alohacapture

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/alohacapture/internal/capture"
	"github.com/lanikai/alohacapture/internal/v4l2"
)

func writeConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "capture.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig().withDefaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "video0", cfg.Name)
	assert.Equal(t, 3, cfg.Queue)

	sc := cfg.sessionConfig(v4l2.Format{SizeImage: 1280 * 720 * 2})
	assert.Equal(t, capture.MethodMMAP, sc.Method)
	assert.Equal(t, 4, sc.BufferCount)
	assert.Equal(t, 3, sc.QueueSize)
	assert.True(t, sc.Blocking)
	assert.True(t, sc.Logging)
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
device: /dev/video2
name: front
io: userptr
buffers: 8
width: 640
height: 480
format: MJPG
nonblock: true
quiet: true
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "front", cfg.Name)
	assert.Equal(t, "/dev/video2", cfg.Device)
	assert.Equal(t, 7, cfg.Queue)

	want := cfg.requestedFormat()
	assert.Equal(t, v4l2.PixFmtMJPEG, want.PixelFormat)
	assert.Equal(t, uint32(640), want.Width)

	sc := cfg.sessionConfig(want)
	assert.Equal(t, capture.MethodUserPtr, sc.Method)
	assert.False(t, sc.Blocking)
	assert.False(t, sc.Logging)
}

func TestLoadConfigKeepsDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "io: read\n"))
	require.NoError(t, err)
	assert.Equal(t, "/dev/video0", cfg.Device)
	assert.Equal(t, 4, cfg.Buffers)
	assert.Equal(t, "YUYV", cfg.Format)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, os.IsNotExist(err))

	_, err = LoadConfig(writeConfig(t, "buffer: 4\n"))
	assert.Error(t, err, "unknown field")

	_, err = LoadConfig(writeConfig(t, "buffers: 40\n"))
	assert.Equal(t, ErrInvalidConfig, errors.Cause(err))
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"no device":      func(c *Config) { c.Device = "" },
		"bad io":         func(c *Config) { c.IO = "dmabuf" },
		"zero buffers":   func(c *Config) { c.Buffers = 0 },
		"queue too big":  func(c *Config) { c.Queue = 4 },
		"single buffer":  func(c *Config) { c.Buffers = 1 },
		"zero width":     func(c *Config) { c.Width = 0 },
		"long fourcc":    func(c *Config) { c.Format = "YUYV2" },
		"negative queue": func(c *Config) { c.Queue = -1 },
	} {
		cfg := DefaultConfig()
		mutate(&cfg)
		assert.Equal(t, ErrInvalidConfig, errors.Cause(cfg.Validate()), name)
	}
}

func TestValidateBufferRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Buffers = 1
	err := cfg.Validate()
	assert.Equal(t, ErrInvalidConfig, errors.Cause(err))
	assert.Contains(t, err.Error(), "between 2 and 32, not 1")

	cfg.Buffers = 2
	assert.NoError(t, cfg.Validate(), "one buffer for the driver, one for the queue")
	assert.Equal(t, 1, cfg.withDefaults().Queue)
}

func TestCheckMethod(t *testing.T) {
	cfg := DefaultConfig()
	caps := v4l2.Capabilities{Caps: v4l2.CapVideoCapture | v4l2.CapStreaming}
	assert.NoError(t, checkMethod(cfg, caps))

	cfg.IO = "read"
	assert.Equal(t, ErrMethodNotSupported, errors.Cause(checkMethod(cfg, caps)))

	caps.Caps = v4l2.CapVideoCaptureMPlane | v4l2.CapReadWrite
	assert.NoError(t, checkMethod(cfg, caps))

	caps.Caps = v4l2.CapStreaming
	assert.Equal(t, ErrNotCaptureDevice, errors.Cause(checkMethod(cfg, caps)))
}
