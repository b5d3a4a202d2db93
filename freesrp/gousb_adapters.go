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

// The following adapters wrap gousb structs behind small interfaces.
// Session, transfer and bring-up code only see the interfaces, which lets
// the tests drive them with stubs instead of hardware.

import (
	"context"
	"io"
	"time"

	"github.com/google/gousb"
)

//
// gousb interfaces.
//

type usbOutEndpoint interface {
	WriteContext(ctx context.Context, buf []byte) (int, error)
}

type usbInEndpoint interface {
	ReadContext(ctx context.Context, buf []byte) (int, error)
}

type usbInterface interface {
	io.Closer
	InEndpoint(epNum int) (usbInEndpoint, error)
	OutEndpoint(epNum int) (usbOutEndpoint, error)
}

type usbConfig interface {
	io.Closer
	Interface(num, alt int) (usbInterface, error)
}

type usbDevice interface {
	io.Closer
	ActiveConfigNum() (int, error)
	Config(cfgNum int) (usbConfig, error)
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
	GetStringDescriptor(descIndex int) (string, error)
	SetAutoDetach(autodetach bool) error
}

// OpenerFunc predicate specifies whether to open the device with the given
// vendor and product identifiers.
type OpenerFunc func(vendor, product uint16) bool

type usbContext interface {
	io.Closer
	OpenDevices(opener OpenerFunc) ([]usbDevice, error)
}

//
// Interface adapter.
//
type usbInterfaceAdapter struct {
	*gousb.Interface
}

func (i *usbInterfaceAdapter) Close() error {
	i.Interface.Close()
	return nil
}

func (i *usbInterfaceAdapter) InEndpoint(epNum int) (usbInEndpoint, error) {
	return i.Interface.InEndpoint(epNum)
}

func (i *usbInterfaceAdapter) OutEndpoint(epNum int) (usbOutEndpoint, error) {
	return i.Interface.OutEndpoint(epNum)
}

//
// Config adapter.
//
type usbConfigAdapter struct {
	*gousb.Config
}

func (c *usbConfigAdapter) Interface(num, alt int) (usbInterface, error) {
	i, err := c.Config.Interface(num, alt)
	if err != nil {
		return nil, err
	}
	return &usbInterfaceAdapter{i}, nil
}

//
// Device adapter.
//
type usbDeviceAdapter struct {
	*gousb.Device
}

func newUSBDeviceAdapter(dev *gousb.Device, controlTimeout time.Duration) *usbDeviceAdapter {
	dev.ControlTimeout = controlTimeout
	return &usbDeviceAdapter{dev}
}

func (d *usbDeviceAdapter) Config(cfgNum int) (usbConfig, error) {
	cfg, err := d.Device.Config(cfgNum)
	if err != nil {
		return nil, err
	}
	return &usbConfigAdapter{cfg}, nil
}

//
// Context adapter.
//
type usbContextAdapter struct {
	*gousb.Context
	controlTimeout time.Duration
}

func newUSBContextAdapter(ctx *gousb.Context, controlTimeout time.Duration) *usbContextAdapter {
	return &usbContextAdapter{Context: ctx, controlTimeout: controlTimeout}
}

func (ctx *usbContextAdapter) OpenDevices(opener OpenerFunc) ([]usbDevice, error) {
	devs, err := ctx.Context.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return opener(uint16(desc.Vendor), uint16(desc.Product))
	})
	if err != nil {
		for _, d := range devs {
			d.Close()
		}
		return nil, err
	}

	var ret []usbDevice
	for _, d := range devs {
		ret = append(ret, newUSBDeviceAdapter(d, ctx.controlTimeout))
	}
	return ret, nil
}
