package goble

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/srg/sensorlink/internal/sensor"
)

// Vendor command opcodes. A command is written to the command
// characteristic as [opcode, args...]; the device answers with a
// notification [opcode, status, payload...] on the same characteristic.
const (
	opGetEEGConfig  byte = 0x30
	opGetEEGCap     byte = 0x31
	opSetEEGBatch   byte = 0x32
	opGetECGConfig  byte = 0x40
	opGetECGCap     byte = 0x41
	opSetECGBatch   byte = 0x42
	opSetDataNotify byte = 0x50
)

const statusSuccess byte = 0x00

// Data notification switch bits.
const (
	notifyImpedance uint32 = 1 << 0
	notifyEEG       uint32 = 1 << 1
	notifyECG       uint32 = 1 << 2
)

// configPayloadLen: sample rate u16, channel mask u64, package sample
// count u8, resolution u8, K float64. All little-endian.
const configPayloadLen = 20

// capabilityOps groups the opcodes of one capture stream.
type capabilityOps struct {
	dataType  sensor.DataType
	getConfig byte
	getCap    byte
	setBatch  byte
	flags     uint32
}

var (
	eegOps = capabilityOps{sensor.DataTypeEEG, opGetEEGConfig, opGetEEGCap, opSetEEGBatch, notifyImpedance | notifyEEG}
	ecgOps = capabilityOps{sensor.DataTypeECG, opGetECGConfig, opGetECGCap, opSetECGBatch, notifyImpedance | notifyECG}
)

// commandError is a non-success status returned by the device.
type commandError struct {
	Op     byte
	Status byte
}

func (e *commandError) Error() string {
	return fmt.Sprintf("command 0x%02x rejected with status 0x%02x", e.Op, e.Status)
}

func encodeSetBatch(op byte, batch int) []byte {
	if batch > math.MaxUint8 {
		batch = math.MaxUint8
	}
	return []byte{op, byte(batch)}
}

func encodeSetDataNotify(flags uint32) []byte {
	req := make([]byte, 5)
	req[0] = opSetDataNotify
	binary.LittleEndian.PutUint32(req[1:], flags)
	return req
}

// parseResponse checks that resp answers op and carries a success status,
// and returns its payload.
func parseResponse(op byte, resp []byte) ([]byte, error) {
	if len(resp) < 2 {
		return nil, fmt.Errorf("command 0x%02x: %w", op, errShortFrame)
	}
	if resp[0] != op {
		return nil, fmt.Errorf("command 0x%02x: unexpected response to 0x%02x", op, resp[0])
	}
	if resp[1] != statusSuccess {
		return nil, &commandError{Op: op, Status: resp[1]}
	}
	return resp[2:], nil
}

func decodeConfig(t sensor.DataType, payload []byte) (streamConfig, error) {
	if len(payload) < configPayloadLen {
		return streamConfig{}, fmt.Errorf("%s config: %w", t, errShortFrame)
	}
	return streamConfig{
		DataType:           t,
		SampleRate:         int(binary.LittleEndian.Uint16(payload[0:2])),
		ChannelMask:        binary.LittleEndian.Uint64(payload[2:10]),
		PackageSampleCount: int(payload[10]),
		ResolutionBits:     int(payload[11]),
		K:                  math.Float64frombits(binary.LittleEndian.Uint64(payload[12:20])),
	}, nil
}
