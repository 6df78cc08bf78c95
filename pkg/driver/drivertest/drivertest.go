// SPDX-License-Identifier: GPL-2.0-or-later

// Package drivertest provides an in-memory driver for testing.
package drivertest

import (
	"context"
	"sync"

	"camproxy/pkg/driver"
)

// Driver in-memory fake.
type Driver struct {
	StationList  []string
	DeviceList   []string
	StationProps map[string]driver.Properties
	DeviceProps  map[string]driver.Properties
	Commands     map[string][]string

	// Errors to return from the corresponding calls.
	ConnectErr error
	StartErr   error
	StopErr    error

	// OnStart is called on StartLivestream with the serial.
	OnStart func(serial string)
	// OnStop is called on StopLivestream with the serial.
	OnStop func(serial string)

	mu        sync.Mutex
	connected bool
	handler   driver.FrameHandler
	streaming map[string]bool
	subs      map[chan driver.Event]struct{}
}

// New returns an empty fake driver.
func New() *Driver {
	return &Driver{
		StationProps: map[string]driver.Properties{},
		DeviceProps:  map[string]driver.Properties{},
		Commands:     map[string][]string{},
		streaming:    map[string]bool{},
		subs:         map[chan driver.Event]struct{}{},
	}
}

// Connect implements driver.Driver.
func (d *Driver) Connect(_ context.Context, _ driver.Account) error {
	if d.ConnectErr != nil {
		return d.ConnectErr
	}
	d.mu.Lock()
	d.connected = true
	d.mu.Unlock()
	return nil
}

// Disconnect implements driver.Driver.
func (d *Driver) Disconnect() error {
	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()
	return nil
}

// Connected implements driver.Driver.
func (d *Driver) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// StartLivestream implements driver.Driver.
func (d *Driver) StartLivestream(_ context.Context, serial string) error {
	if d.StartErr != nil {
		return d.StartErr
	}
	d.mu.Lock()
	d.streaming[serial] = true
	d.mu.Unlock()
	if d.OnStart != nil {
		d.OnStart(serial)
	}
	return nil
}

// StopLivestream implements driver.Driver.
func (d *Driver) StopLivestream(_ context.Context, serial string) error {
	if d.StopErr != nil {
		return d.StopErr
	}
	d.mu.Lock()
	delete(d.streaming, serial)
	d.mu.Unlock()
	if d.OnStop != nil {
		d.OnStop(serial)
	}
	return nil
}

// Streaming reports whether a livestream is active for serial.
func (d *Driver) Streaming(serial string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streaming[serial]
}

// SetFrameHandler implements driver.Driver.
func (d *Driver) SetFrameHandler(h driver.FrameHandler) {
	d.mu.Lock()
	d.handler = h
	d.mu.Unlock()
}

// SendVideoFrame delivers a video frame to the registered handler.
func (d *Driver) SendVideoFrame(data []byte, meta driver.VideoMetadata) {
	d.mu.Lock()
	handler := d.handler
	d.mu.Unlock()
	if handler != nil {
		handler.OnVideoFrame(data, meta)
	}
}

// SendAudioFrame delivers an audio frame to the registered handler.
func (d *Driver) SendAudioFrame(data []byte, meta driver.AudioMetadata) {
	d.mu.Lock()
	handler := d.handler
	d.mu.Unlock()
	if handler != nil {
		handler.OnAudioFrame(data, meta)
	}
}

// Stations implements driver.Driver.
func (d *Driver) Stations() []string { return d.StationList }

// Devices implements driver.Driver.
func (d *Driver) Devices() []string { return d.DeviceList }

// StationProperties implements driver.Driver.
func (d *Driver) StationProperties(serial string) (driver.Properties, error) {
	props, exist := d.StationProps[serial]
	if !exist {
		return nil, driver.ErrUnknownSerial
	}
	return props, nil
}

// DeviceProperties implements driver.Driver.
func (d *Driver) DeviceProperties(serial string) (driver.Properties, error) {
	props, exist := d.DeviceProps[serial]
	if !exist {
		return nil, driver.ErrUnknownSerial
	}
	return props, nil
}

// DeviceCommands implements driver.Driver.
func (d *Driver) DeviceCommands(serial string) ([]string, error) {
	commands, exist := d.Commands[serial]
	if !exist {
		return nil, driver.ErrUnknownSerial
	}
	return commands, nil
}

// DownloadImage implements driver.Driver.
func (d *Driver) DownloadImage(context.Context, string) error { return nil }

// QueryLatestInfo implements driver.Driver.
func (d *Driver) QueryLatestInfo(context.Context, string) error { return nil }

// PresetPosition implements driver.Driver.
func (d *Driver) PresetPosition(context.Context, string, int) error { return nil }

// PanAndTilt implements driver.Driver.
func (d *Driver) PanAndTilt(context.Context, string, int) error { return nil }

// Subscribe implements driver.Driver.
func (d *Driver) Subscribe() (<-chan driver.Event, func()) {
	ch := make(chan driver.Event, 16)
	d.mu.Lock()
	d.subs[ch] = struct{}{}
	d.mu.Unlock()

	cancel := func() {
		d.mu.Lock()
		if _, exist := d.subs[ch]; exist {
			delete(d.subs, ch)
			close(ch)
		}
		d.mu.Unlock()
	}
	return ch, cancel
}

// SubscriberCount returns the number of event subscribers.
func (d *Driver) SubscriberCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

// Emit broadcasts an event to all subscribers.
func (d *Driver) Emit(event driver.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for ch := range d.subs {
		select {
		case ch <- event:
		default:
		}
	}
}
