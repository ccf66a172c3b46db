package hw

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/sweeney/rack-monitor/internal/probe"
)

// The acquisition MCU streams one frame per sampling tick:
//
//	0xA5 0x5A count word[0] .. word[count-1] checksum
//
// Words are little-endian millivolts. The checksum is the low byte of the
// sum of the count and word bytes.
const (
	frameSync0 byte = 0xA5
	frameSync1 byte = 0x5A

	cmdStart byte = 'S'
	cmdStop  byte = 'X'

	// maxResync bounds how many bytes are skipped looking for a frame.
	maxResync = 256
)

// ErrFrame reports a malformed or corrupted ADC frame.
var ErrFrame = errors.New("bad adc frame")

// SerialADC is the acquisition service backed by the ADC front end on a
// serial port.
type SerialADC struct {
	port io.ReadWriteCloser
	rd   *bufio.Reader

	mu  sync.Mutex
	v   [probe.NumInputs]probe.Millivolts
	buf [probe.NumInputs]probe.Millivolts
	err error
}

// OpenSerialADC opens the serial device the acquisition MCU is attached to.
func OpenSerialADC(name string, baud int) (*SerialADC, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        name,
		Baud:        baud,
		ReadTimeout: 500 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", name, err)
	}
	return NewSerialADC(port), nil
}

// NewSerialADC wraps an already open port.
func NewSerialADC(port io.ReadWriteCloser) *SerialADC {
	return &SerialADC{port: port, rd: bufio.NewReader(port)}
}

// Start asks the MCU to begin streaming frames.
func (a *SerialADC) Start() {
	a.command(cmdStart)
}

// Stop asks the MCU to stop streaming.
func (a *SerialADC) Stop() {
	a.command(cmdStop)
}

func (a *SerialADC) command(c byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.port.Write([]byte{c}); err != nil && a.err == nil {
		a.err = fmt.Errorf("write command %q: %w", c, err)
	}
}

// Sample reads the next frame. On error the previous readings are kept.
func (a *SerialADC) Sample() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.err; err != nil {
		a.err = nil
		return err
	}
	if err := readFrame(a.rd, a.buf[:]); err != nil {
		return err
	}
	a.v = a.buf
	return nil
}

// Voltage returns the last sampled value of an input.
func (a *SerialADC) Voltage(input int) probe.Millivolts {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v[input]
}

// Close releases the serial port.
func (a *SerialADC) Close() error {
	return a.port.Close()
}

func readFrame(r *bufio.Reader, out []probe.Millivolts) error {
	if err := resync(r); err != nil {
		return err
	}
	count, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("read frame count: %w", err)
	}
	if int(count) != len(out) {
		return fmt.Errorf("%w: %d words, want %d", ErrFrame, count, len(out))
	}
	payload := make([]byte, 2*int(count)+1)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}
	words, sum := payload[:len(payload)-1], payload[len(payload)-1]
	if checksum(count, words) != sum {
		return fmt.Errorf("%w: checksum mismatch", ErrFrame)
	}
	for i := range out {
		out[i] = probe.Millivolts(binary.LittleEndian.Uint16(words[2*i:]))
	}
	return nil
}

func resync(r *bufio.Reader) error {
	prev := byte(0)
	for i := 0; i < maxResync; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return fmt.Errorf("read frame sync: %w", err)
		}
		if prev == frameSync0 && b == frameSync1 {
			return nil
		}
		prev = b
	}
	return fmt.Errorf("%w: no sync in %d bytes", ErrFrame, maxResync)
}

func checksum(count byte, words []byte) byte {
	sum := count
	for _, b := range words {
		sum += b
	}
	return sum
}

// EncodeFrame builds the frame the MCU sends for the given readings.
func EncodeFrame(v []probe.Millivolts) []byte {
	out := make([]byte, 0, 4+2*len(v))
	out = append(out, frameSync0, frameSync1, byte(len(v)))
	for _, mv := range v {
		out = binary.LittleEndian.AppendUint16(out, uint16(mv))
	}
	return append(out, checksum(byte(len(v)), out[3:]))
}
