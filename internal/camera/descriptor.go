package camera

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrUnknownSourceKind = errors.New("unknown camera source kind")
	ErrBadTripwire       = errors.New("invalid tripwire geometry")
)

// SourceKind identifies how a camera is reached.
type SourceKind string

const (
	KindBuiltin SourceKind = "builtin"
	KindUSB     SourceKind = "usb"
	KindRTSP    SourceKind = "rtsp"
	KindONVIF   SourceKind = "onvif"
)

func ParseSourceKind(s string) (SourceKind, error) {
	switch SourceKind(strings.ToLower(s)) {
	case KindBuiltin, KindUSB, KindRTSP, KindONVIF:
		return SourceKind(strings.ToLower(s)), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSourceKind, s)
}

// Credentials for RTSP/ONVIF sources. Empty values mean anonymous access.
type Credentials struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
}

// Descriptor is the persistent definition of a camera. The source is a
// tagged variant: builtin/usb use DeviceIndex, rtsp/onvif use URL.
type Descriptor struct {
	ID          string      `yaml:"id" json:"id"`
	Kind        SourceKind  `yaml:"kind" json:"kind"`
	DeviceIndex int         `yaml:"device_index" json:"device_index,omitempty"`
	URL         string      `yaml:"url" json:"url,omitempty"`
	Credentials Credentials `yaml:"credentials" json:"credentials,omitempty"`
	Width       int         `yaml:"width" json:"width"`
	Height      int         `yaml:"height" json:"height"`
	FPS         int         `yaml:"fps" json:"fps"`
	Enabled     bool        `yaml:"enabled" json:"enabled"`
	Location    string      `yaml:"location" json:"location"`
	Tripwires   []Tripwire  `yaml:"tripwires" json:"tripwires"`
}

// Locator renders the source address for logs and capture backends.
func (d Descriptor) Locator() string {
	switch d.Kind {
	case KindBuiltin, KindUSB:
		return fmt.Sprintf("device:%d", d.DeviceIndex)
	default:
		return d.URL
	}
}

// Equal reports whether two descriptors would produce the same pipeline.
// Used by hot reload to decide which pipelines can be left untouched.
func (d Descriptor) Equal(o Descriptor) bool {
	if d.ID != o.ID || d.Kind != o.Kind || d.DeviceIndex != o.DeviceIndex ||
		d.URL != o.URL || d.Credentials != o.Credentials ||
		d.Width != o.Width || d.Height != o.Height || d.FPS != o.FPS ||
		d.Enabled != o.Enabled || d.Location != o.Location {
		return false
	}
	if len(d.Tripwires) != len(o.Tripwires) {
		return false
	}
	for i := range d.Tripwires {
		if d.Tripwires[i] != o.Tripwires[i] {
			return false
		}
	}
	return true
}

// Validate checks the descriptor and its tripwires.
func (d Descriptor) Validate() error {
	if d.ID == "" {
		return errors.New("camera id is required")
	}
	if _, err := ParseSourceKind(string(d.Kind)); err != nil {
		return err
	}
	if (d.Kind == KindRTSP || d.Kind == KindONVIF) && d.URL == "" {
		return fmt.Errorf("camera %s: url is required for %s sources", d.ID, d.Kind)
	}
	for _, tw := range d.Tripwires {
		if err := tw.Validate(); err != nil {
			return fmt.Errorf("camera %s: %w", d.ID, err)
		}
	}
	return nil
}

// SortedTripwires returns the tripwires in stable id order.
func (d Descriptor) SortedTripwires() []Tripwire {
	tws := make([]Tripwire, len(d.Tripwires))
	copy(tws, d.Tripwires)
	sort.Slice(tws, func(i, j int) bool { return tws[i].ID < tws[j].ID })
	return tws
}

// Discovered is a transient record produced by a discovery run.
type Discovered struct {
	ID        string     `json:"id"`
	Kind      SourceKind `json:"kind"`
	Locator   string     `json:"locator"`
	Model     string     `json:"model,omitempty"`
	Width     int        `json:"width,omitempty"`
	Height    int        `json:"height,omitempty"`
	FPS       int        `json:"fps,omitempty"`
	Reachable bool       `json:"reachable"`
	SeenAt    time.Time  `json:"seen_at"`
}
