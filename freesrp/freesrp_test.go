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

package freesrp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/gousb"
)

type stubUSBContext struct {
	devs   []usbDevice
	err    error
	closed bool
}

func (ctx *stubUSBContext) Close() error {
	ctx.closed = true
	return nil
}

func (ctx *stubUSBContext) OpenDevices(opener OpenerFunc) ([]usbDevice, error) {
	if ctx.err != nil {
		return nil, ctx.err
	}
	var ret []usbDevice
	for _, d := range ctx.devs {
		sd := d.(*stubUSBDevice)
		if opener(sd.vendor, sd.product) {
			ret = append(ret, d)
		}
	}
	return ret, nil
}

type stubInEndpoint struct {
	// read handles ReadContext. If nil, reads block until ctx is done.
	read func(ctx context.Context, buf []byte) (int, error)
}

func (e *stubInEndpoint) ReadContext(ctx context.Context, buf []byte) (int, error) {
	if e.read == nil {
		<-ctx.Done()
		return 0, gousb.TransferCancelled
	}
	return e.read(ctx, buf)
}

type stubOutEndpoint struct {
	// write handles WriteContext. If nil, writes succeed immediately.
	write func(ctx context.Context, buf []byte) (int, error)
}

func (e *stubOutEndpoint) WriteContext(ctx context.Context, buf []byte) (int, error) {
	if e.write == nil {
		return len(buf), nil
	}
	return e.write(ctx, buf)
}

type stubUSBInterface struct {
	in     map[int]*stubInEndpoint
	out    map[int]*stubOutEndpoint
	closed bool
}

func (i *stubUSBInterface) Close() error {
	i.closed = true
	return nil
}

func (i *stubUSBInterface) InEndpoint(epNum int) (usbInEndpoint, error) {
	ep, ok := i.in[epNum]
	if !ok {
		return nil, fmt.Errorf("no IN endpoint %#x", epNum)
	}
	return ep, nil
}

func (i *stubUSBInterface) OutEndpoint(epNum int) (usbOutEndpoint, error) {
	ep, ok := i.out[epNum]
	if !ok {
		return nil, fmt.Errorf("no OUT endpoint %#x", epNum)
	}
	return ep, nil
}

type stubUSBConfig struct {
	intf   *stubUSBInterface
	closed bool
}

func (c *stubUSBConfig) Close() error {
	c.closed = true
	return nil
}

func (c *stubUSBConfig) Interface(num, alt int) (usbInterface, error) {
	if num != freesrpInterfaceNum || alt != freesrpInterfaceAltSetting {
		return nil, fmt.Errorf("no interface %d/%d", num, alt)
	}
	return c.intf, nil
}

type controlCall struct {
	RType   uint8
	Request uint8
	Val     uint16
	Idx     uint16
	Len     int
}

type stubUSBDevice struct {
	vendor, product uint16
	serial          string
	serialErr       error
	cfg             *stubUSBConfig

	// control handles Control transfers. If nil, only the version request
	// is answered.
	control func(rType, request uint8, val, idx uint16, data []byte) (int, error)

	mu     sync.Mutex
	calls  []controlCall
	closed bool
}

func newStubUSBDevice(serial string) *stubUSBDevice {
	return &stubUSBDevice{
		vendor:  freesrpVendorID,
		product: freesrpProductID,
		serial:  serial,
		cfg: &stubUSBConfig{intf: &stubUSBInterface{
			in: map[int]*stubInEndpoint{
				cmdInEndpoint: {},
				rxInEndpoint:  {},
			},
			out: map[int]*stubOutEndpoint{
				cmdOutEndpoint: {},
				txOutEndpoint:  {},
			},
		}},
	}
}

func (d *stubUSBDevice) intf() *stubUSBInterface {
	return d.cfg.intf
}

func (d *stubUSBDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *stubUSBDevice) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *stubUSBDevice) ActiveConfigNum() (int, error) {
	return 1, nil
}

func (d *stubUSBDevice) Config(cfgNum int) (usbConfig, error) {
	return d.cfg, nil
}

func (d *stubUSBDevice) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	d.mu.Lock()
	d.calls = append(d.calls, controlCall{rType, request, val, idx, len(data)})
	d.mu.Unlock()
	if d.control != nil {
		return d.control(rType, request, val, idx, data)
	}
	if rType == rTypeVendorIn && request == reqGetVersion {
		return copy(data, "2.0.0\x00\x00"), nil
	}
	return 0, fmt.Errorf("unexpected control request %#x", request)
}

func (d *stubUSBDevice) controlCalls() []controlCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]controlCall(nil), d.calls...)
}

func (d *stubUSBDevice) GetStringDescriptor(descIndex int) (string, error) {
	if descIndex != serialDescriptorIndex {
		return "", fmt.Errorf("unexpected descriptor index %d", descIndex)
	}
	return d.serial, d.serialErr
}

func (d *stubUSBDevice) SetAutoDetach(autodetach bool) error {
	return nil
}

// testConfig keeps pools and queues small so tests can reason about them.
func testConfig() *Config {
	c := DefaultConfig()
	c.Stream.RXTransfers = 4
	c.Stream.TXTransfers = 4
	c.Stream.BufferSize = 16
	c.Stream.QueueSize = 64
	c.FPGA.SettleMs = 0
	return c
}

// openTestSession opens a Session on dev through a stub context.
func openTestSession(t *testing.T, dev *stubUSBDevice, conf *Config) *Session {
	t.Helper()
	ctx := &sharedUSBContext{usbCtx: &stubUSBContext{devs: []usbDevice{dev}}, refCount: 1}
	s, err := openSession(ctx, "", conf)
	ctx.Close()
	if err != nil {
		t.Fatalf("openSession() = %v, want nil error", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSharedUSBContextIsRefCounted(t *testing.T) {
	stub := &stubUSBContext{}
	c1 := &sharedUSBContext{usbCtx: stub, refCount: 1}
	if c2 := c1.Ref(); c2 != c1 {
		t.Errorf("sharedUSBContext.Ref did not return the same pointer")
	}
	c3 := c1.Ref()

	c1.Close()
	c3.Close()
	if stub.closed {
		t.Errorf("sharedUSBContext closed too soon")
	}

	c1.Close()
	if !stub.closed {
		t.Errorf("sharedUSBContext did not close when all references dropped")
	}
}

func TestListConnected(t *testing.T) {
	other := newStubUSBDevice("not-a-freesrp")
	other.vendor = 0x1234
	devs := []usbDevice{newStubUSBDevice("FSRP0001"), other, newStubUSBDevice("FSRP0002")}

	got, err := listConnected(&stubUSBContext{devs: devs}, testConfig())
	if err != nil {
		t.Fatalf("listConnected() = %v, want nil error", err)
	}
	if diff := cmp.Diff([]string{"FSRP0001", "FSRP0002"}, got); diff != "" {
		t.Errorf("listConnected() diff -want +got\n%s", diff)
	}
	for _, d := range []*stubUSBDevice{devs[0].(*stubUSBDevice), devs[2].(*stubUSBDevice)} {
		if !d.isClosed() {
			t.Errorf("listConnected() left device %q open", d.serial)
		}
	}
}

func TestListConnectedFailsOnSerialError(t *testing.T) {
	d := newStubUSBDevice("")
	d.serialErr = errors.New("pipe error")
	if _, err := listConnected(&stubUSBContext{devs: []usbDevice{d}}, testConfig()); !errors.Is(err, ErrConnection) {
		t.Errorf("listConnected() = %v, want ErrConnection", err)
	}
}

func TestSelectDevice(t *testing.T) {
	tests := []struct {
		desc    string
		serials []string
		ctxErr  error
		want    string
		wantSel string
		wantErr error
	}{
		{desc: "Empty serial selects the first device",
			serials: []string{"FSRP0001", "FSRP0002"},
			want:    "",
			wantSel: "FSRP0001"},
		{desc: "Substring match skips earlier devices",
			serials: []string{"FSRP0001", "FSRP0002"},
			want:    "0002",
			wantSel: "FSRP0002"},
		{desc: "First of several matches wins",
			serials: []string{"A-FSRP", "B-FSRP"},
			want:    "FSRP",
			wantSel: "A-FSRP"},
		{desc: "No devices",
			wantErr: ErrNotFound},
		{desc: "Devices present but none match",
			serials: []string{"FSRP0001"},
			want:    "9999",
			wantErr: ErrNotFound},
		{desc: "Enumeration fails",
			ctxErr:  errors.New("access denied"),
			wantErr: ErrConnection},
	}

	for _, test := range tests {
		t.Logf("Start case: %s", test.desc)
		var devs []usbDevice
		for _, s := range test.serials {
			devs = append(devs, newStubUSBDevice(s))
		}
		dev, serial, err := selectDevice(&stubUSBContext{devs: devs, err: test.ctxErr}, test.want, testConfig())
		if test.wantErr != nil {
			if !errors.Is(err, test.wantErr) {
				t.Errorf("selectDevice(_, %q) = %v, want %v", test.want, err, test.wantErr)
			}
		} else if err != nil {
			t.Errorf("selectDevice(_, %q) = %v, want nil error", test.want, err)
		}
		if serial != test.wantSel {
			t.Errorf("selectDevice(_, %q) serial = %q, want %q", test.want, serial, test.wantSel)
		}
		for _, d := range devs {
			sd := d.(*stubUSBDevice)
			if open := !sd.isClosed(); open != (d == dev) {
				t.Errorf("device %q open = %v, want %v", sd.serial, open, d == dev)
			}
		}
	}
}

func TestSelectDeviceFailsOnSerialError(t *testing.T) {
	bad := newStubUSBDevice("")
	bad.serialErr = errors.New("stall")
	good := newStubUSBDevice("FSRP0001")
	_, _, err := selectDevice(&stubUSBContext{devs: []usbDevice{bad, good}}, "", testConfig())
	if !errors.Is(err, ErrConnection) {
		t.Errorf("selectDevice() = %v, want ErrConnection", err)
	}
	if !bad.isClosed() || !good.isClosed() {
		t.Errorf("selectDevice() left devices open after an error")
	}
}

func TestOpenReadsVersionAndCloseReleasesResources(t *testing.T) {
	dev := newStubUSBDevice("FSRP0001")
	usbCtx := &stubUSBContext{devs: []usbDevice{dev}}
	ctx := &sharedUSBContext{usbCtx: usbCtx, refCount: 1}

	s, err := openSession(ctx, "0001", testConfig())
	ctx.Close()
	if err != nil {
		t.Fatalf("openSession() = %v, want nil error", err)
	}
	if got, want := s.Serial(), "FSRP0001"; got != want {
		t.Errorf("s.Serial() = %q, want %q", got, want)
	}
	if got, want := s.fx3Version, "2.0.0"; got != want {
		t.Errorf("s.fx3Version = %q, want %q", got, want)
	}
	wantCalls := []controlCall{{RType: rTypeVendorIn, Request: reqGetVersion, Len: ctrlBufSize}}
	if diff := cmp.Diff(wantCalls, dev.controlCalls()); diff != "" {
		t.Errorf("control calls diff -want +got\n%s", diff)
	}
	if usbCtx.closed {
		t.Errorf("usb context closed while the session holds a reference")
	}

	for i := 0; i < 2; i++ {
		if err := s.Close(); err != nil {
			t.Errorf("s.Close() #%d = %v, want nil error", i, err)
		}
	}
	if !dev.intf().closed || !dev.cfg.closed || !dev.isClosed() {
		t.Errorf("s.Close() did not release interface, config and device")
	}
	if !usbCtx.closed {
		t.Errorf("s.Close() did not release the usb context")
	}
	if err := s.StartRX(nil); !errors.Is(err, ErrClosed) {
		t.Errorf("s.StartRX() after Close = %v, want ErrClosed", err)
	}
}

func TestOpenFailsWhenVersionRequestFails(t *testing.T) {
	dev := newStubUSBDevice("FSRP0001")
	dev.control = func(rType, request uint8, val, idx uint16, data []byte) (int, error) {
		return 0, gousb.ErrorTimeout
	}
	ctx := &sharedUSBContext{usbCtx: &stubUSBContext{devs: []usbDevice{dev}}, refCount: 1}
	defer ctx.Close()

	if _, err := openSession(ctx, "", testConfig()); !errors.Is(err, ErrConnection) {
		t.Errorf("openSession() = %v, want ErrConnection", err)
	}
	if !dev.isClosed() {
		t.Errorf("openSession() left the device open after failing")
	}
}

func TestOpenFailsOnMissingEndpoint(t *testing.T) {
	dev := newStubUSBDevice("FSRP0001")
	delete(dev.intf().in, rxInEndpoint)
	ctx := &sharedUSBContext{usbCtx: &stubUSBContext{devs: []usbDevice{dev}}, refCount: 1}
	defer ctx.Close()

	if _, err := openSession(ctx, "", testConfig()); !errors.Is(err, ErrConnection) {
		t.Errorf("openSession() = %v, want ErrConnection", err)
	}
	if !dev.intf().closed || !dev.isClosed() {
		t.Errorf("openSession() did not release resources after failing")
	}
}

func TestVersion(t *testing.T) {
	dev := newStubUSBDevice("FSRP0001")
	var req []byte
	dev.intf().out[cmdOutEndpoint].write = func(ctx context.Context, buf []byte) (int, error) {
		req = append([]byte(nil), buf...)
		return len(buf), nil
	}
	dev.intf().in[cmdInEndpoint].read = func(ctx context.Context, buf []byte) (int, error) {
		res := make([]byte, cmdBufSize)
		res[0] = uint8(GetFPGAVersion)
		copy(res[cmdParamOffset:], []byte{1, 4, 2})
		return copy(buf, res), nil
	}
	s := openTestSession(t, dev, testConfig())

	got, err := s.Version()
	if err != nil {
		t.Fatalf("s.Version() = %v, want nil error", err)
	}
	if diff := cmp.Diff(Version{FX3: "2.0.0", FPGA: "1.4.2"}, got); diff != "" {
		t.Errorf("s.Version() diff -want +got\n%s", diff)
	}
	wantReq := []byte{uint8(GetFPGAVersion), 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	if diff := cmp.Diff(wantReq, req, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("version request diff -want +got\n%s", diff)
	}
}
