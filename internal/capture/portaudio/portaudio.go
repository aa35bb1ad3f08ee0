// Package portaudio captures the host microphone through PortAudio.
package portaudio

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/visualizer"
)

// DeviceInfo describes an input device.
type DeviceInfo struct {
	Index             int     `json:"index"`
	Name              string  `json:"name"`
	Channels          int     `json:"channels"`
	DefaultSampleRate float64 `json:"default_sample_rate"`
	Default           bool    `json:"default"`
}

var (
	initMu   sync.Mutex
	initRefs int
)

func acquireLibrary() error {
	initMu.Lock()
	defer initMu.Unlock()
	if initRefs == 0 {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("initialize portaudio: %w", err)
		}
	}
	initRefs++
	return nil
}

func releaseLibrary() {
	initMu.Lock()
	defer initMu.Unlock()
	if initRefs == 0 {
		return
	}
	initRefs--
	if initRefs == 0 {
		_ = portaudio.Terminate()
	}
}

// Devices lists input-capable devices.
func Devices() ([]DeviceInfo, error) {
	if err := acquireLibrary(); err != nil {
		return nil, err
	}
	defer releaseLibrary()

	all, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	var defaultName string
	if def, err := portaudio.DefaultInputDevice(); err == nil && def != nil {
		defaultName = def.Name
	}
	var out []DeviceInfo
	for i, info := range all {
		if info.MaxInputChannels <= 0 {
			continue
		}
		out = append(out, DeviceInfo{
			Index:             i,
			Name:              info.Name,
			Channels:          info.MaxInputChannels,
			DefaultSampleRate: info.DefaultSampleRate,
			Default:           info.Name == defaultName,
		})
	}
	return out, nil
}

// Driver opens a PortAudio input stream per capture.Device activation.
type Driver struct {
	cfg config.CaptureConfig
}

func NewDriver(cfg config.CaptureConfig) *Driver {
	return &Driver{cfg: cfg}
}

func (d *Driver) Channels() int {
	if d.cfg.Channels <= 0 {
		return 1
	}
	return d.cfg.Channels
}

func (d *Driver) OpenInput() (capture.Input, error) {
	if err := acquireLibrary(); err != nil {
		return nil, fmt.Errorf("%w: %v", visualizer.ErrNoCaptureDevice, err)
	}
	device, err := d.lookup()
	if err != nil {
		releaseLibrary()
		return nil, err
	}

	params := portaudio.LowLatencyParameters(device, nil)
	params.Input.Channels = d.Channels()
	params.SampleRate = float64(d.cfg.SampleRate)
	params.FramesPerBuffer = d.cfg.FramesPerBuffer

	buffer := make([]int16, d.cfg.FramesPerBuffer*d.Channels())
	stream, err := portaudio.OpenStream(params, buffer)
	if err != nil {
		releaseLibrary()
		return nil, classify(err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		releaseLibrary()
		return nil, classify(err)
	}
	return &input{stream: stream, buffer: buffer}, nil
}

func (d *Driver) lookup() (*portaudio.DeviceInfo, error) {
	name := strings.TrimSpace(d.cfg.Device)
	if name == "" || name == "default" {
		device, err := portaudio.DefaultInputDevice()
		if err != nil || device == nil {
			return nil, fmt.Errorf("%w: no default input", visualizer.ErrNoCaptureDevice)
		}
		return device, nil
	}
	all, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", visualizer.ErrNoCaptureDevice, err)
	}
	for _, info := range all {
		if info.MaxInputChannels > 0 && strings.EqualFold(info.Name, name) {
			return info, nil
		}
	}
	return nil, fmt.Errorf("%w: %q not found", visualizer.ErrNoCaptureDevice, name)
}

// classify maps host refusals onto the permission sentinel. PortAudio reports
// them as generic host errors, so the message is all there is to go on.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "not authorized") || strings.Contains(msg, "access denied") {
		return errors.Join(visualizer.ErrPermissionDenied, err)
	}
	return fmt.Errorf("open input stream: %w", err)
}

type input struct {
	stream *portaudio.Stream
	buffer []int16
	closed bool
}

func (i *input) Read() ([]int16, error) {
	if err := i.stream.Read(); err != nil {
		if errors.Is(err, portaudio.InputOverflowed) {
			return i.buffer, nil
		}
		return nil, err
	}
	return i.buffer, nil
}

func (i *input) Close() error {
	if i.closed {
		return nil
	}
	i.closed = true
	defer releaseLibrary()
	stopErr := i.stream.Stop()
	closeErr := i.stream.Close()
	return errors.Join(stopErr, closeErr)
}
