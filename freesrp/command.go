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
	"encoding/hex"
	"fmt"

	"github.com/golang/glog"
)

// CommandID identifies a command of the FPGA command channel.
type CommandID uint8

// Commands in wire order.
const (
	GetRegister CommandID = iota
	GetTXLOFreq
	SetTXLOFreq
	GetTXSampFreq
	SetTXSampFreq
	GetTXRFBandwidth
	SetTXRFBandwidth
	GetTXAttenuation
	SetTXAttenuation
	GetTXFIREn
	SetTXFIREn
	GetRXLOFreq
	SetRXLOFreq
	GetRXSampFreq
	SetRXSampFreq
	GetRXRFBandwidth
	SetRXRFBandwidth
	GetRXGCMode
	SetRXGCMode
	GetRXRFGain
	SetRXRFGain
	GetRXFIREn
	SetRXFIREn
	SetDatapathEn
	SetLoopbackEn
	GetFPGAVersion
)

var commandNames = map[CommandID]string{
	GetRegister:      "GET_REGISTER",
	GetTXLOFreq:      "GET_TX_LO_FREQ",
	SetTXLOFreq:      "SET_TX_LO_FREQ",
	GetTXSampFreq:    "GET_TX_SAMP_FREQ",
	SetTXSampFreq:    "SET_TX_SAMP_FREQ",
	GetTXRFBandwidth: "GET_TX_RF_BANDWIDTH",
	SetTXRFBandwidth: "SET_TX_RF_BANDWIDTH",
	GetTXAttenuation: "GET_TX_ATTENUATION",
	SetTXAttenuation: "SET_TX_ATTENUATION",
	GetTXFIREn:       "GET_TX_FIR_EN",
	SetTXFIREn:       "SET_TX_FIR_EN",
	GetRXLOFreq:      "GET_RX_LO_FREQ",
	SetRXLOFreq:      "SET_RX_LO_FREQ",
	GetRXSampFreq:    "GET_RX_SAMP_FREQ",
	SetRXSampFreq:    "SET_RX_SAMP_FREQ",
	GetRXRFBandwidth: "GET_RX_RF_BANDWIDTH",
	SetRXRFBandwidth: "SET_RX_RF_BANDWIDTH",
	GetRXGCMode:      "GET_RX_GC_MODE",
	SetRXGCMode:      "SET_RX_GC_MODE",
	GetRXRFGain:      "GET_RX_RF_GAIN",
	SetRXRFGain:      "SET_RX_RF_GAIN",
	GetRXFIREn:       "GET_RX_FIR_EN",
	SetRXFIREn:       "SET_RX_FIR_EN",
	SetDatapathEn:    "SET_DATAPATH_EN",
	SetLoopbackEn:    "SET_LOOPBACK_EN",
	GetFPGAVersion:   "GET_FPGA_VERSION",
}

func (id CommandID) String() string {
	if s, ok := commandNames[id]; ok {
		return s
	}
	return fmt.Sprintf("CommandID(%d)", uint8(id))
}

// paramKind is the wire width and signedness of a command parameter.
type paramKind int

const (
	kindNone paramKind = iota
	kindUint64
	kindUint32
	kindUint8
	kindInt32
)

// paramKinds lists the parameter encoding of every settable command.
var paramKinds = map[CommandID]paramKind{
	SetTXLOFreq:      kindUint64,
	SetTXSampFreq:    kindUint32,
	SetTXRFBandwidth: kindUint32,
	SetTXAttenuation: kindUint32,
	SetTXFIREn:       kindUint8,
	SetRXLOFreq:      kindUint64,
	SetRXSampFreq:    kindUint32,
	SetRXRFBandwidth: kindUint32,
	SetRXGCMode:      kindUint8,
	SetRXRFGain:      kindInt32,
	SetRXFIREn:       kindUint8,
	SetDatapathEn:    kindUint8,
	SetLoopbackEn:    kindUint8,
}

// kindOf returns the encoding of id. Getters share the width of the matching
// setter, which immediately follows them in wire order.
func kindOf(id CommandID) paramKind {
	if k, ok := paramKinds[id]; ok {
		return k
	}
	if id >= GetTXLOFreq && id <= GetRXFIREn {
		return paramKinds[id+1]
	}
	return kindNone
}

// Param is a typed command parameter: one of Uint64Param, Uint32Param,
// Uint8Param or Int32Param.
type Param interface {
	// put writes the parameter into the 8-byte little-endian field.
	put(b []byte)
}

// Uint64Param carries local oscillator frequencies in Hz.
type Uint64Param uint64

// Uint32Param carries sample rates, bandwidths and TX attenuation.
type Uint32Param uint32

// Uint8Param carries enables and the RX gain control mode.
type Uint8Param uint8

// Int32Param carries the RX gain in dB.
type Int32Param int32

func (p Uint64Param) put(b []byte) { le.PutUint64(b, uint64(p)) }
func (p Uint32Param) put(b []byte) { le.PutUint32(b, uint32(p)) }
func (p Uint8Param) put(b []byte)  { b[0] = uint8(p) }
func (p Int32Param) put(b []byte)  { le.PutUint32(b, uint32(int32(p))) }

// Command is a request for the command channel. A nil Param is sent as zero.
type Command struct {
	ID    CommandID
	Param Param
}

func (c Command) String() string {
	return fmt.Sprintf("command ID: %v; parameter: %v", c.ID, c.Param)
}

// ErrInvalidCommand is returned by MakeCommand for identifiers without a
// parameter encoding.
var ErrInvalidCommand = fmt.Errorf("%w: invalid command", ErrProtocol)

// MakeCommand builds a set command, converting value to the parameter type
// of id. It fails for identifiers that do not take a parameter.
func MakeCommand(id CommandID, value float64) (Command, error) {
	cmd := Command{ID: id}
	switch paramKinds[id] {
	case kindUint64:
		cmd.Param = Uint64Param(uint64(value))
	case kindUint32:
		cmd.Param = Uint32Param(uint32(int64(value)))
	case kindUint8:
		cmd.Param = Uint8Param(uint8(int64(value)))
	case kindInt32:
		cmd.Param = Int32Param(int32(value))
	default:
		return Command{}, fmt.Errorf("%w: MakeCommand(%v, %v)", ErrInvalidCommand, id, value)
	}
	return cmd, nil
}

// CommandStatus is the error code reported by the device.
type CommandStatus uint8

// Device status codes.
const (
	CmdOK CommandStatus = iota
	CmdInvalidParam
	CmdENSMError
)

func (st CommandStatus) String() string {
	switch st {
	case CmdOK:
		return "ok"
	case CmdInvalidParam:
		return "invalid parameter"
	case CmdENSMError:
		return "state machine error"
	}
	return fmt.Sprintf("CommandStatus(%d)", uint8(st))
}

// CommandError is a non-OK status reported by the device.
type CommandError struct {
	ID     CommandID
	Status CommandStatus
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%v: %v", e.ID, e.Status)
}

// Response is the device's answer to a Command.
type Response struct {
	ID     CommandID
	Param  uint64 // raw little-endian parameter field
	Status CommandStatus
}

// Err returns a *CommandError if the device rejected the command.
func (r Response) Err() error {
	if r.Status == CmdOK {
		return nil
	}
	return &CommandError{ID: r.ID, Status: r.Status}
}

// Value decodes Param with the width and signedness of the response's
// command. Commands without a parameter encoding return the raw field.
func (r Response) Value() float64 {
	switch kindOf(r.ID) {
	case kindUint32:
		return float64(uint32(r.Param))
	case kindUint8:
		return float64(uint8(r.Param))
	case kindInt32:
		return float64(int32(uint32(r.Param)))
	}
	return float64(r.Param)
}

func (r Response) String() string {
	if r.Status == CmdOK {
		return fmt.Sprintf("command ID: %v; parameter: %v", r.ID, r.Value())
	}
	return fmt.Sprintf("command ID: %v; error code: %v", r.ID, r.Status)
}

const (
	cmdBufSize        = 16
	cmdReservedByte   = 1
	cmdParamOffset    = 2
	cmdStatusOffset   = 10
	cmdMinResponseLen = cmdStatusOffset + 1
)

// encodeCommand serializes cmd as [id][reserved][param:8 LE] padded to 16
// bytes.
func encodeCommand(cmd Command) []byte {
	buf := make([]byte, cmdBufSize)
	buf[0] = uint8(cmd.ID)
	buf[1] = cmdReservedByte
	if cmd.Param != nil {
		cmd.Param.put(buf[cmdParamOffset : cmdParamOffset+8])
	}
	return buf
}

func decodeResponse(buf []byte) (Response, error) {
	if len(buf) < cmdMinResponseLen {
		return Response{}, fmt.Errorf("short response, got %d bytes, want >= %d", len(buf), cmdMinResponseLen)
	}
	return Response{
		ID:     CommandID(buf[0]),
		Param:  le.Uint64(buf[cmdParamOffset : cmdParamOffset+8]),
		Status: CommandStatus(buf[cmdStatusOffset]),
	}, nil
}

// SendCommand sends cmd and waits for the device's response. Each leg is
// bounded by the configured USB timeout. Transport failures are reported as
// ErrConnection; device rejections are reported in Response.Status.
func (s *Session) SendCommand(cmd Command) (Response, error) {
	return s.SendCommandContext(context.Background(), cmd)
}

// SendCommandContext is SendCommand with a caller supplied context.
func (s *Session) SendCommandContext(ctx context.Context, cmd Command) (Response, error) {
	s.ctrlMu.Lock()
	defer s.ctrlMu.Unlock()

	req := encodeCommand(cmd)
	glog.V(2).Infof("[CMD-TX]: %v\n%s", cmd, hex.Dump(req))

	wCtx, wDone := context.WithTimeout(ctx, s.conf.usbTimeout())
	defer wDone()
	if n, err := s.cmdOutEp.WriteContext(wCtx, req); err != nil || n != len(req) {
		return Response{}, fmt.Errorf("%w: s.cmdOutEp.WriteContext(_, %X) = %v, %v, want n=%d and nil error", ErrConnection, req, n, err, len(req))
	}

	res := make([]byte, cmdBufSize)
	rCtx, rDone := context.WithTimeout(ctx, s.conf.usbTimeout())
	defer rDone()
	n, err := s.cmdInEp.ReadContext(rCtx, res)
	if err != nil {
		return Response{}, fmt.Errorf("%w: s.cmdInEp.ReadContext(_, res) = %v, %v, want nil error", ErrConnection, n, err)
	}
	glog.V(2).Infof("[CMD-RX]: read %d bytes\n%s", n, hex.Dump(res[:n]))

	r, err := decodeResponse(res[:n])
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	if r.Status != CmdOK {
		glog.V(1).Infof("Device rejected %v: %v", cmd.ID, r.Status)
	}
	return r, nil
}

// Set is a convenience wrapper that builds a set command with MakeCommand,
// sends it and converts a device rejection into a *CommandError.
func (s *Session) Set(id CommandID, value float64) (Response, error) {
	cmd, err := MakeCommand(id, value)
	if err != nil {
		return Response{}, err
	}
	r, err := s.SendCommand(cmd)
	if err != nil {
		return r, err
	}
	return r, r.Err()
}

// Get sends a parameterless query and returns the decoded value.
func (s *Session) Get(id CommandID) (float64, error) {
	if _, ok := paramKinds[id]; ok {
		return 0, fmt.Errorf("%w: Get(%v) on a set command", ErrInvalidCommand, id)
	}
	r, err := s.SendCommand(Command{ID: id})
	if err != nil {
		return 0, err
	}
	if err := r.Err(); err != nil {
		return 0, err
	}
	return r.Value(), nil
}
