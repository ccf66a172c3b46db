package hw

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// ErrFirmwareChanged reports that the program image no longer matches the
// checksum taken on the first pass.
var ErrFirmwareChanged = errors.New("firmware image changed")

// FirmwareCRC checksums the program image a chunk at a time so the idle
// diagnostics rotation never blocks long on it.
type FirmwareCRC struct {
	path  string
	chunk int64

	off  int64
	crc  uint32
	want uint32
	have bool
}

// NewFirmwareCRC checksums the file at path in chunks of chunk bytes.
func NewFirmwareCRC(path string, chunk int64) *FirmwareCRC {
	if chunk <= 0 {
		chunk = 64 << 10
	}
	return &FirmwareCRC{path: path, chunk: chunk}
}

// Step hashes the next chunk. At the end of each pass the result is
// compared with the first complete pass.
func (c *FirmwareCRC) Step() error {
	f, err := os.Open(c.path)
	if err != nil {
		return fmt.Errorf("open firmware image: %w", err)
	}
	defer f.Close()

	buf := make([]byte, c.chunk)
	n, err := f.ReadAt(buf, c.off)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read firmware image: %w", err)
	}
	c.crc = crc32.Update(c.crc, crc32.IEEETable, buf[:n])
	c.off += int64(n)
	if int64(n) == c.chunk {
		return nil
	}

	sum := c.crc
	c.off, c.crc = 0, 0
	if !c.have {
		c.want, c.have = sum, true
		return nil
	}
	if sum != c.want {
		return fmt.Errorf("%w: crc %08x, want %08x", ErrFirmwareChanged, sum, c.want)
	}
	return nil
}

// Sum returns the reference checksum and whether a full pass has completed.
func (c *FirmwareCRC) Sum() (uint32, bool) { return c.want, c.have }
