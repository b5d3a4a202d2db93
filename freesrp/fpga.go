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
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/golang/glog"
)

// Default FX3 vendor requests driving the FPGA configuration port. They can
// be changed through FPGAConfig for firmware that numbers them differently.
const (
	reqFPGAStatus uint8 = 0xb1
	reqFPGALoad   uint8 = 0xb2
	reqFPGAFinish uint8 = 0xb3

	fpgaRequestIndex = 1
	fpgaLoadBufSize  = 16
)

// FPGAStatus is the outcome of LoadFPGA.
type FPGAStatus int

const (
	// FPGASkipped means the FPGA was already configured.
	FPGASkipped FPGAStatus = iota
	// FPGADone means the bitstream was loaded and the device switched to
	// normal operation.
	FPGADone
	// FPGAError means the device did not accept the bitstream.
	FPGAError
)

func (st FPGAStatus) String() string {
	switch st {
	case FPGASkipped:
		return "skipped"
	case FPGADone:
		return "done"
	case FPGAError:
		return "error"
	}
	return fmt.Sprintf("FPGAStatus(%d)", int(st))
}

// FPGALoaded reports whether the FPGA has been configured.
func (s *Session) FPGALoaded() (bool, error) {
	buf := make([]byte, ctrlBufSize)
	req := s.conf.FPGA.StatusRequest
	if n, err := s.control(rTypeVendorIn, req, 0, fpgaRequestIndex, buf); err != nil || n < 1 {
		return false, fmt.Errorf("%w: dev.Control(rTypeVendorIn, %#x, 0, 1, _) = %v, %v, want n>=1 and nil error", ErrConnection, req, n, err)
	}
	return buf[0] != 0, nil
}

// LoadFPGAFile loads the bitstream stored at path. See LoadFPGA.
func (s *Session) LoadFPGAFile(path string) (FPGAStatus, error) {
	f, err := os.Open(path)
	if err != nil {
		return FPGAError, err
	}
	defer f.Close()
	return s.LoadFPGA(f)
}

// LoadFPGA configures the FPGA with the bitstream read from r. It returns
// FPGASkipped without reading r if the FPGA is already configured. The
// bitstream shares the TX endpoint, so TX streaming must be stopped.
func (s *Session) LoadFPGA(r io.Reader) (FPGAStatus, error) {
	loaded, err := s.FPGALoaded()
	if err != nil {
		return FPGAError, err
	}
	if loaded {
		glog.Infof("FPGA already configured, skipping bitstream load")
		return FPGASkipped, nil
	}
	if s.tx.isRunning() {
		return FPGAError, fmt.Errorf("%w: tx", ErrBusy)
	}

	bitstream, err := io.ReadAll(r)
	if err != nil {
		return FPGAError, fmt.Errorf("reading FPGA bitstream: %v", err)
	}
	if len(bitstream) == 0 || uint64(len(bitstream)) > math.MaxUint32 {
		return FPGAError, fmt.Errorf("%w: FPGA bitstream of %d bytes, want 1..%d", ErrProtocol, len(bitstream), uint32(math.MaxUint32))
	}
	glog.Infof("Loading FPGA bitstream (%d bytes)", len(bitstream))

	announce := make([]byte, fpgaLoadBufSize)
	le.PutUint32(announce, uint32(len(bitstream)))
	if n, err := s.control(rTypeVendorOut, s.conf.FPGA.LoadRequest, 0, fpgaRequestIndex, announce); err != nil || n != len(announce) {
		return FPGAError, fmt.Errorf("%w: dev.Control(rTypeVendorOut, %#x, 0, 1, %X) = %v, %v, want n=%d and nil error", ErrConnection, s.conf.FPGA.LoadRequest, announce, n, err, len(announce))
	}

	if _, err := s.bulkWrite(bitstream, s.conf.fpgaLoadTimeout()); err != nil {
		return FPGAError, fmt.Errorf("bulk transfer of FPGA bitstream: %w", err)
	}
	time.Sleep(s.conf.fpgaSettle())

	loaded, err = s.FPGALoaded()
	if err != nil {
		return FPGAError, err
	}
	if !loaded {
		glog.Warningf("FPGA did not report configuration after bitstream upload")
		return FPGAError, nil
	}

	finish := make([]byte, ctrlBufSize)
	n, err := s.control(rTypeVendorIn, s.conf.FPGA.FinishRequest, 0, fpgaRequestIndex, finish)
	if err != nil || n < 1 {
		return FPGAError, fmt.Errorf("%w: dev.Control(rTypeVendorIn, %#x, 0, 1, _) = %v, %v, want n>=1 and nil error", ErrConnection, s.conf.FPGA.FinishRequest, n, err)
	}
	time.Sleep(s.conf.fpgaSettle())

	if finish[0] == 0 {
		glog.Warningf("FPGA finish request was rejected")
		return FPGAError, nil
	}
	glog.Infof("FPGA configured")
	return FPGADone, nil
}
