//////////////////////////////////////////////////////////////////////////////
//
// Camera owns one video4linux2 capture device and its capture session
//
// Copyright 2019 Lanikai Labs. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package alohacapture

import (
	"github.com/pkg/errors"
	"golang.org/x/xerrors"

	"github.com/lanikai/alohacapture/internal/capture"
	"github.com/lanikai/alohacapture/internal/logging"
	"github.com/lanikai/alohacapture/internal/v4l2"
)

var log = logging.DefaultLogger.WithTag("camera")

// device is the part of *v4l2.Device a Camera uses.
type device interface {
	capture.Device
	Capabilities() v4l2.Capabilities
	BufType() v4l2.BufType
	SetFormat(v4l2.Format) (v4l2.Format, error)
	Close() error
}

type Camera struct {
	cfg     Config
	log     *logging.Logger
	dev     device
	format  v4l2.Format
	session *capture.Session
}

// Open opens the device, negotiates the format and prepares a capture
// session. Buffers are allocated on Start.
func Open(cfg Config) (*Camera, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dev, err := v4l2.Open(cfg.Device, v4l2.Options{NonBlocking: cfg.NonBlocking})
	if err != nil {
		return nil, err
	}

	cam, err := newCamera(cfg, dev)
	if err != nil {
		dev.Close()
		return nil, err
	}
	return cam, nil
}

func newCamera(cfg Config, dev device) (*Camera, error) {
	log := log
	if cfg.Quiet {
		log = log.WithLevel(logging.Off)
	}

	caps := dev.Capabilities()
	log.Debug("%s: %s (%s) on %s, caps %#08x", cfg.Device, caps.Card, caps.Driver, caps.BusInfo, caps.Caps)

	if err := checkMethod(cfg, caps); err != nil {
		return nil, err
	}

	want := cfg.requestedFormat()
	format, err := dev.SetFormat(want)
	if err != nil {
		return nil, errors.Wrapf(err, "set format %v", want)
	}
	if format.PixelFormat != want.PixelFormat || format.Width != want.Width || format.Height != want.Height {
		log.Warn("%s: driver chose %v instead of %v", cfg.Device, format, want)
	}

	session, err := capture.NewSession(dev, cfg.sessionConfig(format))
	if err != nil {
		return nil, err
	}
	log.Info("%s: %v, %d bytes per frame, %v buffers", cfg.Device, format, format.SizeImage, dev.BufType())

	return &Camera{
		cfg:     cfg,
		log:     log,
		dev:     dev,
		format:  format,
		session: session,
	}, nil
}

func checkMethod(cfg Config, caps v4l2.Capabilities) error {
	if !caps.Has(v4l2.CapVideoCapture) && !caps.Has(v4l2.CapVideoCaptureMPlane) {
		return errors.Wrap(ErrNotCaptureDevice, cfg.Device)
	}
	method, _ := capture.ParseIOMethod(cfg.IO)
	need := uint32(v4l2.CapStreaming)
	if method == capture.MethodRead {
		need = v4l2.CapReadWrite
	}
	if !caps.Has(need) {
		return errors.Wrapf(ErrMethodNotSupported, "%s: %v", cfg.Device, method)
	}
	return nil
}

func (c *Camera) Config() Config                { return c.cfg }
func (c *Camera) Format() v4l2.Format           { return c.format }
func (c *Camera) Session() *capture.Session     { return c.session }
func (c *Camera) Frames() <-chan *capture.Frame { return c.session.Frames() }

// Start allocates and queues the buffers and starts capturing.
func (c *Camera) Start() error {
	return c.session.StartStream()
}

// Stop stops capturing and frees the buffers. The buffers are freed even if
// the consumer did not return its frames in time; the timeout is still
// reported.
func (c *Camera) Stop() error {
	stopErr := c.session.StopStream()
	if xerrors.Is(stopErr, capture.ErrStopTimeout) {
		c.log.Warn("%s: freeing buffers still held by the consumer", c.cfg.Device)
	}
	if err := c.session.DeleteUserBuffer(); err != nil && stopErr == nil {
		return err
	}
	return stopErr
}

// Close stops the camera and closes the device.
func (c *Camera) Close() error {
	err := c.Stop()
	if cerr := c.dev.Close(); err == nil {
		err = cerr
	}
	return err
}
