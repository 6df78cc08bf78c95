// SPDX-License-Identifier: GPL-2.0-or-later

// Package driver defines the integration surface of the cloud driver
// library. The proxy consumes frames and property events through this
// interface and never touches the cloud protocol itself.
package driver

import (
	"context"
	"errors"
)

// Video codec identifiers as reported by the driver.
const (
	CodecH264 = "h264"
	CodecH265 = "h265"
	CodecAAC  = "aac"
)

// VideoMetadata describes the elementary video stream of a camera.
type VideoMetadata struct {
	Codec     string `json:"codec"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	FrameRate int    `json:"frameRate"`
}

// AudioMetadata describes the elementary audio stream of a camera.
type AudioMetadata struct {
	Codec string `json:"codec"`
}

// FrameHandler accepts per-frame deliveries from the driver.
// Implementations must never propagate errors back to the driver.
type FrameHandler interface {
	OnVideoFrame(data []byte, meta VideoMetadata)
	OnAudioFrame(data []byte, meta AudioMetadata)
}

// Event is a property change or completion notification from the
// driver. The payload is broadcast to API subscribers as-is.
type Event struct {
	Type    string                 `json:"event"`
	Serial  string                 `json:"serialNumber,omitempty"`
	Payload map[string]interface{} `json:"-"`
}

// Properties is the property bag of a station or device.
type Properties map[string]interface{}

// Errors.
var (
	ErrNotConnected  = errors.New("driver is not connected")
	ErrUnknownSerial = errors.New("unknown serial")
)

// Account holds the cloud account parameters.
type Account struct {
	Username string
	Password string
	Country  string
	Language string

	// PersistentDir is owned by the driver.
	PersistentDir string
}

// Driver is the cloud driver. Implementations are external, the fake
// in drivertest is used for testing.
type Driver interface {
	Connect(ctx context.Context, account Account) error
	Disconnect() error
	Connected() bool

	// StartLivestream requests frames for one camera. Frames are
	// delivered to the registered FrameHandler until stopped.
	StartLivestream(ctx context.Context, serial string) error
	StopLivestream(ctx context.Context, serial string) error

	// SetFrameHandler registers the frame sink.
	// Must be called before any livestream is started.
	SetFrameHandler(FrameHandler)

	Stations() []string
	Devices() []string
	StationProperties(serial string) (Properties, error)
	DeviceProperties(serial string) (Properties, error)
	DeviceCommands(serial string) ([]string, error)

	// DownloadImage and QueryLatestInfo acknowledge immediately,
	// the payload arrives later as an event.
	DownloadImage(ctx context.Context, serial string) error
	QueryLatestInfo(ctx context.Context, serial string) error

	PresetPosition(ctx context.Context, serial string, position int) error
	PanAndTilt(ctx context.Context, serial string, direction int) error

	// Subscribe returns a feed of driver events and a cancel func.
	Subscribe() (<-chan Event, func())
}
