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
	"errors"
	"fmt"
	"io"

	"github.com/golang/glog"
	"github.com/google/gousb"
)

// FX3 bootloader RAM upload.
// The image starts with a 4 byte header followed by records of
// [length:4][address:4][length 32-bit words], all little-endian. A record of
// length zero terminates the image; its single payload word is the sum of
// all preceding payload words and its address is the program entry point.
const (
	fx3HeaderSize    = 4
	fx3RecordHdrSize = 8
	fx3WordSize      = 4
	fx3MaxWriteSize  = 2048

	fx3ReqRAMWrite uint8 = 0xa0
)

// ErrChecksum is returned when a firmware image fails verification.
var ErrChecksum = fmt.Errorf("%w: firmware checksum mismatch", ErrProtocol)

type fx3Record struct {
	addr uint32
	data []byte
}

// fx3Image is a parsed and verified firmware image.
type fx3Image struct {
	records []fx3Record
	entry   uint32
}

// parseFX3Image splits img into records and verifies the terminator
// checksum. Nothing is written to the device until the whole image checks
// out.
func parseFX3Image(img []byte) (*fx3Image, error) {
	if len(img) < fx3HeaderSize {
		return nil, fmt.Errorf("%w: firmware image of %d bytes has no header", ErrProtocol, len(img))
	}
	var (
		out      fx3Image
		checksum uint32
	)
	for i := fx3HeaderSize; ; {
		if len(img)-i < fx3RecordHdrSize {
			return nil, fmt.Errorf("%w: firmware image truncated at offset %d, missing terminator record", ErrProtocol, i)
		}
		words := le.Uint32(img[i:])
		addr := le.Uint32(img[i+4:])
		payload := img[i+fx3RecordHdrSize:]

		if words == 0 {
			if len(payload) < fx3WordSize {
				return nil, fmt.Errorf("%w: terminator record at offset %d has no checksum word", ErrProtocol, i)
			}
			if want := le.Uint32(payload); want != checksum {
				return nil, fmt.Errorf("%w: image checksum %#08x, computed %#08x", ErrChecksum, want, checksum)
			}
			out.entry = addr
			return &out, nil
		}

		size := uint64(words) * fx3WordSize
		if uint64(len(payload)) < size {
			return nil, fmt.Errorf("%w: record at offset %d wants %d bytes, %d left", ErrProtocol, i, size, len(payload))
		}
		data := payload[:size]
		for j := 0; j < len(data); j += fx3WordSize {
			checksum += le.Uint32(data[j:])
		}
		out.records = append(out.records, fx3Record{addr: addr, data: data})
		i += fx3RecordHdrSize + int(size)
	}
}

// fx3RAMWrite writes data to device RAM at addr in chunks of at most
// fx3MaxWriteSize bytes.
func fx3RAMWrite(dev usbDevice, addr uint32, data []byte) error {
	for len(data) > 0 {
		chunk := data[:min(len(data), fx3MaxWriteSize)]
		if n, err := dev.Control(rTypeVendorOut, fx3ReqRAMWrite, uint16(addr&0xffff), uint16(addr>>16), chunk); err != nil || n != len(chunk) {
			return fmt.Errorf("%w: dev.Control(rTypeVendorOut, fx3ReqRAMWrite, %#04x, %#04x, %d bytes) = %v, %v, want n=%d and nil error", ErrConnection, addr&0xffff, addr>>16, len(chunk), n, err, len(chunk))
		}
		addr += uint32(len(chunk))
		data = data[len(chunk):]
	}
	return nil
}

// uploadFX3 writes a verified image to RAM and jumps to its entry point.
func uploadFX3(dev usbDevice, img *fx3Image) error {
	for _, r := range img.records {
		glog.V(1).Infof("FX3 RAM write: %d bytes at %#08x", len(r.data), r.addr)
		if err := fx3RAMWrite(dev, r.addr, r.data); err != nil {
			return err
		}
	}
	glog.Infof("Starting FX3 firmware at %#08x", img.entry)
	// The controller jumps to the new code before acknowledging the request
	// and re-enumerates, so the request often fails although the firmware
	// runs. Its status says nothing about the upload.
	if _, err := dev.Control(rTypeVendorOut, fx3ReqRAMWrite, uint16(img.entry&0xffff), uint16(img.entry>>16), nil); err != nil {
		if errors.Is(err, gousb.ErrorNoDevice) {
			glog.V(1).Infof("FX3 execute request returned %v, device is re-enumerating", err)
		} else {
			glog.Warningf("FX3 execute request returned %v, ignoring", err)
		}
	}
	return nil
}

// FindFX3 looks for an FX3 in bootloader mode. If upload is false it only
// reports whether one is attached. Otherwise the firmware image read from
// image is verified and written to the first bootloader found, which then
// starts executing it. conf may be nil, in which case DefaultConfig is used.
func FindFX3(conf *Config, upload bool, image io.Reader) (bool, error) {
	conf, err := resolveConfig(conf)
	if err != nil {
		return false, err
	}
	ctx := newUSBContext(conf)
	defer ctx.Close()
	return findFX3(ctx.usbCtx, conf, upload, image)
}

func findFX3(usbCtx usbContext, conf *Config, upload bool, image io.Reader) (bool, error) {
	devs, err := usbCtx.OpenDevices(func(vendor, product uint16) bool {
		return vendor == conf.USB.FX3VendorID && product == conf.USB.FX3ProductID
	})
	if err != nil {
		return false, fmt.Errorf("%w: OpenDevices failed: %v", ErrConnection, err)
	}
	defer func() {
		for _, d := range devs {
			d.Close()
		}
	}()

	if !upload {
		return len(devs) > 0, nil
	}
	if len(devs) == 0 {
		return false, fmt.Errorf("%w: no Cypress EZ-USB FX3 in bootloader mode found", ErrNotFound)
	}

	raw, err := io.ReadAll(image)
	if err != nil {
		return false, fmt.Errorf("reading FX3 firmware image: %v", err)
	}
	img, err := parseFX3Image(raw)
	if err != nil {
		return false, err
	}
	if err := uploadFX3(devs[0], img); err != nil {
		return false, err
	}
	return true, nil
}
