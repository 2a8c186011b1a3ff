// Package ymodem pushes a byte buffer to a receiver that is waiting in
// YMODEM receive mode, such as U-Boot's loady.
package ymodem

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/sigurn/crc16"
)

// Control bytes.
const (
	SOH = 0x01 // short frame
	STX = 0x02 // long frame
	EOT = 0x04
	ACK = 0x06
	NAK = 0x15
	CAN = 0x18
	CRC = 0x43 // 'C', receiver asks for CRC-16 trailers
)

// Payload sizes.
const (
	ShortSize = 128
	LongSize  = 1024
)

var crcTable = crc16.MakeTable(crc16.CRC16_XMODEM)

// Checksum selects the frame trailer.
type Checksum int

const (
	// Sum is a one byte sum of the payload modulo 256.
	Sum Checksum = iota
	// CRC16 is a two byte big-endian CRC-16/XMODEM.
	CRC16
)

func (c Checksum) String() string {
	if c == CRC16 {
		return "crc16"
	}
	return "sum"
}

// TrailerLen returns the trailer length in bytes.
func (c Checksum) TrailerLen() int {
	if c == CRC16 {
		return 2
	}
	return 1
}

// Frame decoding errors.
var (
	ErrShortFrame  = errors.New("ymodem: frame truncated")
	ErrBlockType   = errors.New("ymodem: unknown block type")
	ErrComplement  = errors.New("ymodem: sequence complement mismatch")
	ErrBadChecksum = errors.New("ymodem: checksum mismatch")
)

// EncodeFrame builds a frame of the given payload size (ShortSize or
// LongSize). data is zero-padded; it must not exceed size.
func EncodeFrame(seq byte, data []byte, size int, sum Checksum) []byte {
	if len(data) > size {
		panic(fmt.Sprintf("ymodem: %d bytes do not fit a %d byte frame", len(data), size))
	}
	block := byte(SOH)
	if size == LongSize {
		block = STX
	}
	frame := make([]byte, 3+size, 3+size+sum.TrailerLen())
	frame[0] = block
	frame[1] = seq
	frame[2] = ^seq
	copy(frame[3:], data)
	return append(frame, trailer(frame[3:], sum)...)
}

func trailer(payload []byte, sum Checksum) []byte {
	if sum == CRC16 {
		c := crc16.Checksum(payload, crcTable)
		return []byte{byte(c >> 8), byte(c)}
	}
	var s byte
	for _, b := range payload {
		s += b
	}
	return []byte{s}
}

// FrameLen returns the full length of a frame starting with block byte b,
// or 0 if b does not start a frame.
func FrameLen(b byte, sum Checksum) int {
	switch b {
	case SOH:
		return 3 + ShortSize + sum.TrailerLen()
	case STX:
		return 3 + LongSize + sum.TrailerLen()
	}
	return 0
}

// DecodeFrame verifies a frame and returns its sequence number and payload.
func DecodeFrame(frame []byte, sum Checksum) (byte, []byte, error) {
	if len(frame) == 0 {
		return 0, nil, ErrShortFrame
	}
	n := FrameLen(frame[0], sum)
	if n == 0 {
		return 0, nil, ErrBlockType
	}
	if len(frame) < n {
		return 0, nil, ErrShortFrame
	}
	seq, cmp := frame[1], frame[2]
	if seq != ^cmp {
		return 0, nil, ErrComplement
	}
	payload := frame[3 : n-sum.TrailerLen()]
	want := trailer(payload, sum)
	got := frame[n-sum.TrailerLen() : n]
	for i := range want {
		if want[i] != got[i] {
			return 0, nil, ErrBadChecksum
		}
	}
	return seq, payload, nil
}

// HeaderPayload returns "name NUL decimal(length)".
func HeaderPayload(name string, length int) []byte {
	p := make([]byte, 0, len(name)+1+20)
	p = append(p, name...)
	p = append(p, 0)
	return strconv.AppendInt(p, int64(length), 10)
}

// ParseHeader splits a header payload into name and length. A header whose
// name is empty ends the batch.
func ParseHeader(payload []byte) (name string, length int, err error) {
	i := bytes.IndexByte(payload, 0)
	if i < 0 {
		return "", 0, fmt.Errorf("ymodem: header has no name terminator")
	}
	name = string(payload[:i])
	if name == "" {
		return "", 0, nil
	}
	rest := payload[i+1:]
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return name, 0, fmt.Errorf("ymodem: header for %q has no length", name)
	}
	length, err = strconv.Atoi(string(rest[:end]))
	return name, length, err
}
