// (c) Lukas Lao Beyer, 2016-2017
// Copyright (C) 2020 Google LLC
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package freesrp is a host driver for the FreeSRP USB software defined
// radio. It opens the device, configures it through the command channel,
// streams I/Q samples in both directions and brings up the FPGA and the
// FX3 USB controller.
package freesrp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"
	"github.com/google/go-freesrp/iq"
	"github.com/google/go-freesrp/ring"
	"github.com/google/gousb"
)

const (
	// FreeSRP USB identifiers.
	freesrpVendorID  = 0x04b4
	freesrpProductID = 0x00f0

	// Cypress EZ-USB FX3 in bootloader mode.
	fx3VendorID  = 0x04b4
	fx3ProductID = 0x00f3

	freesrpInterfaceNum        = 0
	freesrpInterfaceAltSetting = 0

	// Command channel (interrupt) and sample stream (bulk) endpoints.
	cmdOutEndpoint = 0x01
	cmdInEndpoint  = 0x81
	txOutEndpoint  = 0x02
	rxInEndpoint   = 0x82

	serialDescriptorIndex = 3
)

const (
	rTypeVendorIn  uint8 = gousb.ControlIn | gousb.ControlVendor | gousb.ControlDevice
	rTypeVendorOut uint8 = gousb.ControlOut | gousb.ControlVendor | gousb.ControlDevice
)

const (
	reqGetVersion uint8 = 0x00
	ctrlBufSize         = 64
)

// errors
var (
	ErrConnection = errors.New("connection error")
	ErrNotFound   = fmt.Errorf("%w: no FreeSRP device found", ErrConnection)
	ErrProtocol   = errors.New("protocol error")
	ErrBusy       = errors.New("stream already running")
	ErrClosed     = errors.New("session closed")
)

// abbreviations
var (
	le = binary.LittleEndian
)

// sharedUSBContext manages a refcount for a gousb.Context object.
// Sessions opened from the same enumeration share it; it is closed once all
// references are dropped.
type sharedUSBContext struct {
	usbCtx   usbContext
	refCount int32
}

func newUSBContext(cfg *Config) *sharedUSBContext {
	return &sharedUSBContext{
		usbCtx:   newUSBContextAdapter(gousb.NewContext(), cfg.usbTimeout()),
		refCount: 1,
	}
}

func (c *sharedUSBContext) Ref() *sharedUSBContext {
	atomic.AddInt32(&c.refCount, 1)
	return c
}

func (c *sharedUSBContext) Close() {
	if atomic.AddInt32(&c.refCount, -1) == 0 {
		glog.V(1).Infof("Closing usb context")
		c.usbCtx.Close()
		c.usbCtx = nil
	}
}

// Version describes the firmware running on both chips.
type Version struct {
	FX3  string
	FPGA string
}

// Session owns an open FreeSRP device.
// Command and control calls are serialized internally. Streaming calls may
// be made from any goroutine; RXSample must only be called from one
// goroutine at a time, and likewise TXSample.
type Session struct {
	ctx  *sharedUSBContext
	conf *Config
	// dev also implements the control endpoint.
	dev  usbDevice
	cfg  usbConfig
	intf usbInterface
	// Command channel endpoints.
	cmdOutEp usbOutEndpoint
	cmdInEp  usbInEndpoint
	// Sample stream endpoints.
	txOutEp usbOutEndpoint
	rxInEp  usbInEndpoint

	serial     string
	fx3Version string

	// ctrlMu serializes control transfers and command round trips.
	ctrlMu sync.Mutex

	rxQueue *ring.Queue[iq.Sample]
	txQueue *ring.Queue[iq.Sample]
	rx      *transferPool
	tx      *transferPool
	rxSink  *rxSink
	txSink  *txSink

	// Completion dispatch.
	events        chan *transferSlot
	quit          chan struct{}
	eventsDone    chan struct{}
	eventsStarted bool
	baseCtx       context.Context
	baseCancel    context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// ListConnected returns the serial numbers of all attached FreeSRP devices.
// conf may be nil, in which case DefaultConfig is used.
func ListConnected(conf *Config) ([]string, error) {
	conf, err := resolveConfig(conf)
	if err != nil {
		return nil, err
	}
	ctx := newUSBContext(conf)
	defer ctx.Close()
	return listConnected(ctx.usbCtx, conf)
}

func listConnected(usbCtx usbContext, conf *Config) ([]string, error) {
	devs, err := usbCtx.OpenDevices(conf.matchFreeSRP)
	if err != nil {
		return nil, fmt.Errorf("%w: OpenDevices failed: %v", ErrConnection, err)
	}
	defer func() {
		for _, d := range devs {
			d.Close()
		}
	}()

	var serials []string
	for _, d := range devs {
		s, err := d.GetStringDescriptor(serialDescriptorIndex)
		if err != nil {
			return nil, fmt.Errorf("%w: reading serial number of %v: %v", ErrConnection, d, err)
		}
		serials = append(serials, s)
	}
	return serials, nil
}

func (cfg *Config) matchFreeSRP(vendor, product uint16) bool {
	return vendor == cfg.USB.VendorID && product == cfg.USB.ProductID
}

// Open opens the first FreeSRP whose serial number contains serial. An empty
// serial matches any device. conf may be nil, in which case DefaultConfig is
// used. Caller should Close() the returned Session.
func Open(serial string, conf *Config) (*Session, error) {
	conf, err := resolveConfig(conf)
	if err != nil {
		return nil, err
	}
	ctx := newUSBContext(conf)
	defer ctx.Close()
	return openSession(ctx, serial, conf)
}

// openSession selects a device and initializes a Session on it.
func openSession(ctx *sharedUSBContext, serial string, conf *Config) (*Session, error) {
	dev, devSerial, err := selectDevice(ctx.usbCtx, serial, conf)
	if err != nil {
		return nil, err
	}
	glog.Infof("Opening FreeSRP device %v (serial %q)", dev, devSerial)
	return newSession(dev, devSerial, ctx, conf)
}

// selectDevice returns the first device whose serial contains want. All
// other enumerated devices are closed. Multiple matches are not an error.
func selectDevice(usbCtx usbContext, want string, conf *Config) (usbDevice, string, error) {
	devs, err := usbCtx.OpenDevices(conf.matchFreeSRP)
	if err != nil {
		return nil, "", fmt.Errorf("%w: OpenDevices failed: %v", ErrConnection, err)
	}

	var (
		selected  usbDevice
		devSerial string
		readErr   error
	)
	for _, d := range devs {
		if selected != nil || readErr != nil {
			d.Close()
			continue
		}
		s, err := d.GetStringDescriptor(serialDescriptorIndex)
		if err != nil {
			readErr = fmt.Errorf("%w: d.GetStringDescriptor(%d) = %v, want nil error", ErrConnection, serialDescriptorIndex, err)
			d.Close()
			continue
		}
		if !strings.Contains(s, want) {
			glog.V(1).Infof("Skipping FreeSRP %q, want serial containing %q", s, want)
			d.Close()
			continue
		}
		selected, devSerial = d, s
	}

	switch {
	case readErr != nil:
		return nil, "", readErr
	case selected != nil:
		return selected, devSerial, nil
	case len(devs) > 0:
		return nil, "", fmt.Errorf("%w: %d device(s) present, none matched serial %q", ErrNotFound, len(devs), want)
	}
	return nil, "", ErrNotFound
}

// newSession claims USB resources on dev and starts the completion goroutine.
// Takes ownership of dev.
func newSession(dev usbDevice, serial string, ctx *sharedUSBContext, conf *Config) (*Session, error) {
	s := &Session{
		ctx:        ctx.Ref(),
		conf:       conf,
		dev:        dev,
		serial:     serial,
		rxQueue:    ring.New[iq.Sample](conf.Stream.QueueSize),
		txQueue:    ring.New[iq.Sample](conf.Stream.QueueSize),
		events:     make(chan *transferSlot, conf.Stream.RXTransfers+conf.Stream.TXTransfers),
		quit:       make(chan struct{}),
		eventsDone: make(chan struct{}),
	}
	s.baseCtx, s.baseCancel = context.WithCancel(context.Background())

	var failed = true
	defer func() {
		if failed {
			s.Close()
		}
	}()

	if err := s.claimUSBResources(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	ver, err := s.readFX3Version()
	if err != nil {
		return nil, fmt.Errorf("%w: FreeSRP not responding: %v", ErrConnection, err)
	}
	s.fx3Version = ver
	glog.V(1).Infof("FX3 firmware version: %q", ver)

	s.rxSink = &rxSink{queue: s.rxQueue, batch: make([]iq.Sample, conf.Stream.BufferSize/iq.BytesPerSample)}
	s.txSink = &txSink{queue: s.txQueue, batch: make([]iq.Sample, conf.Stream.BufferSize/iq.BytesPerSample)}
	s.rx = newTransferPool("rx", conf.Stream.RXTransfers, conf.Stream.BufferSize, s.rxInEp.ReadContext, s.rxSink, s.events, conf.usbTimeout())
	s.tx = newTransferPool("tx", conf.Stream.TXTransfers, conf.Stream.BufferSize, s.txOutEp.WriteContext, s.txSink, s.events, conf.usbTimeout())

	s.eventsStarted = true
	go s.handleEvents()

	failed = false
	return s, nil
}

func (s *Session) claimUSBResources() error {
	if err := s.dev.SetAutoDetach(true); err != nil {
		glog.Warningf("SetAutoDetach(true) = %v, continuing without kernel driver detach", err)
	}
	cfgNum, err := s.dev.ActiveConfigNum()
	if err != nil {
		return fmt.Errorf("failed to get active config number of device %v: %v", s.dev, err)
	}
	s.cfg, err = s.dev.Config(cfgNum)
	if err != nil {
		return fmt.Errorf("failed to claim config %d of device %v: %v", cfgNum, s.dev, err)
	}
	s.intf, err = s.cfg.Interface(freesrpInterfaceNum, freesrpInterfaceAltSetting)
	if err != nil {
		return fmt.Errorf("failed to select interface #%d alternate setting %d of config %d of device %v: %v", freesrpInterfaceNum, freesrpInterfaceAltSetting, cfgNum, s.dev, err)
	}
	if s.cmdOutEp, err = s.intf.OutEndpoint(cmdOutEndpoint); err != nil {
		return fmt.Errorf("failed to open command output endpoint: %v", err)
	}
	if s.cmdInEp, err = s.intf.InEndpoint(cmdInEndpoint); err != nil {
		return fmt.Errorf("failed to open command input endpoint: %v", err)
	}
	if s.txOutEp, err = s.intf.OutEndpoint(txOutEndpoint); err != nil {
		return fmt.Errorf("failed to open TX output endpoint: %v", err)
	}
	if s.rxInEp, err = s.intf.InEndpoint(rxInEndpoint); err != nil {
		return fmt.Errorf("failed to open RX input endpoint: %v", err)
	}
	return nil
}

// control issues a control transfer while holding ctrlMu.
func (s *Session) control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	s.ctrlMu.Lock()
	defer s.ctrlMu.Unlock()
	return s.dev.Control(rType, request, val, idx, data)
}

// readFX3Version reads the firmware version string of the USB controller.
func (s *Session) readFX3Version() (string, error) {
	buf := make([]byte, ctrlBufSize)
	n, err := s.control(rTypeVendorIn, reqGetVersion, 0, 0, buf)
	if err != nil {
		return "", fmt.Errorf("dev.Control(rTypeVendorIn, reqGetVersion, 0, 0, _) = %v, %v, want nil error", n, err)
	}
	return strings.TrimRight(string(buf[:n]), "\x00"), nil
}

// Serial returns the serial number of the open device.
func (s *Session) Serial() string {
	return s.serial
}

// Version returns the FX3 firmware version read at open time and the FPGA
// version reported through the command channel.
func (s *Session) Version() (Version, error) {
	res, err := s.SendCommand(Command{ID: GetFPGAVersion})
	if err != nil {
		return Version{FX3: s.fx3Version}, err
	}
	var p [8]byte
	le.PutUint64(p[:], res.Param)
	return Version{
		FX3:  s.fx3Version,
		FPGA: fmt.Sprintf("%d.%d.%d", p[0], p[1], p[2]),
	}, nil
}

// Close stops streaming and frees device resources. It is safe to call more
// than once; later calls return the result of the first.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.close()
	})
	return s.closeErr
}

// close tears down in reverse order of initialization: transfers, interface,
// completion goroutine, device handle, context.
func (s *Session) close() error {
	glog.V(1).Infof("Closing FreeSRP device")
	var errs []error
	if s.rx != nil {
		if err := s.rx.stop(s.conf.cancelTimeout()); err != nil {
			errs = append(errs, err)
		}
	}
	if s.tx != nil {
		if err := s.tx.stop(s.conf.cancelTimeout()); err != nil {
			errs = append(errs, err)
		}
	}
	if s.intf != nil {
		s.intf.Close()
		s.intf = nil
	}
	if s.cfg != nil {
		if err := s.cfg.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%w: releasing config: %v", ErrConnection, err))
		}
		s.cfg = nil
	}
	close(s.quit)
	s.baseCancel()
	if s.dev != nil {
		s.dev.Close()
		s.dev = nil
	}
	if s.eventsStarted {
		<-s.eventsDone
	}
	if s.ctx != nil {
		s.ctx.Close()
		s.ctx = nil
	}
	return errors.Join(errs...)
}
