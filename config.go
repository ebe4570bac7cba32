//////////////////////////////////////////////////////////////////////////////
//
// Config describes one capture stream: device, format and buffering
//
// Copyright 2019 Lanikai Labs. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package alohacapture

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/lanikai/alohacapture/internal/capture"
	"github.com/lanikai/alohacapture/internal/v4l2"
)

type Config struct {
	// Label for logs and metrics. Defaults to the device's base name.
	Name string `yaml:"name"`

	Device string `yaml:"device"`

	// mmap, userptr or read
	IO string `yaml:"io"`

	Buffers int `yaml:"buffers"`

	// Handoff queue capacity. Zero means one less than Buffers.
	Queue int `yaml:"queue"`

	Width  uint32 `yaml:"width"`
	Height uint32 `yaml:"height"`

	// FourCC, e.g. YUYV or MJPG
	Format string `yaml:"format"`

	// Open the device non-blocking and poll DQBUF instead of waiting for
	// readiness.
	NonBlocking bool `yaml:"nonblock"`

	// Silence the camera's and its capture session's log output. Messages
	// from opening the device node are not affected; the daemon's --quiet
	// mutes everything.
	Quiet bool `yaml:"quiet"`
}

func DefaultConfig() Config {
	return Config{
		Device:  "/dev/video0",
		IO:      "mmap",
		Buffers: 4,
		Width:   1280,
		Height:  720,
		Format:  "YUYV",
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse %s", path)
	}
	cfg = cfg.withDefaults()
	return cfg, cfg.Validate()
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = filepath.Base(c.Device)
	}
	if c.Queue == 0 {
		c.Queue = c.Buffers - 1
	}
	return c
}

func (c Config) Validate() error {
	c = c.withDefaults()

	if c.Device == "" {
		return errors.Wrap(ErrInvalidConfig, "no device")
	}
	if _, err := capture.ParseIOMethod(c.IO); err != nil {
		return errors.Wrap(ErrInvalidConfig, err.Error())
	}
	// The driver keeps at least one buffer, the handoff queue at least one.
	if c.Buffers < 2 || c.Buffers > capture.MaxBuffers {
		return errors.Wrapf(ErrInvalidConfig, "buffers must be between 2 and %d, not %d", capture.MaxBuffers, c.Buffers)
	}
	if c.Queue < 1 || c.Queue >= c.Buffers {
		return errors.Wrapf(ErrInvalidConfig, "queue must be at least 1 and less than buffers (%d), not %d", c.Buffers, c.Queue)
	}
	if c.Width == 0 || c.Height == 0 {
		return errors.Wrapf(ErrInvalidConfig, "frame size %dx%d", c.Width, c.Height)
	}
	if _, err := v4l2.ParseFourCC(c.Format); err != nil {
		return errors.Wrap(ErrInvalidConfig, err.Error())
	}
	return nil
}

// requestedFormat is the format asked of the driver, which may adjust it.
func (c Config) requestedFormat() v4l2.Format {
	pixfmt, _ := v4l2.ParseFourCC(c.Format)
	return v4l2.Format{
		PixelFormat: pixfmt,
		Width:       c.Width,
		Height:      c.Height,
		Field:       v4l2.FieldAny,
	}
}

// sessionConfig binds c to the format the driver settled on.
func (c Config) sessionConfig(format v4l2.Format) capture.Config {
	c = c.withDefaults()
	method, _ := capture.ParseIOMethod(c.IO)
	return capture.Config{
		Name:        c.Name,
		Method:      method,
		BufferCount: c.Buffers,
		Format:      format,
		Blocking:    !c.NonBlocking,
		QueueSize:   c.Queue,
		Logging:     !c.Quiet,
	}
}
