package main

// ===========================================================================
// MODEL SERIALIZATION
// ===========================================================================
//
// Layout (little endian):
//
//   uint32      length of the JSON header
//   []byte      JSON-encoded ModelConfig
//   []float64   every parameter in Parameters() order
//
// The config fully determines the parameter shapes, so no per-tensor shape
// is stored. Paths go through grailbio/base/file and may be local or s3://.
// ===========================================================================

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// Save writes the model to path.
func (m *SCOTC) Save(ctx context.Context, path string) (err error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "create checkpoint", path)
	}
	defer file.CloseAndReport(ctx, f, &err)

	w := bufio.NewWriter(f.Writer(ctx))
	if err = m.write(w); err != nil {
		return errors.E(err, "write checkpoint", path)
	}
	return w.Flush()
}

func (m *SCOTC) write(w io.Writer) error {
	header, err := json.Marshal(m.config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(header))); err != nil {
		return fmt.Errorf("write header length: %w", err)
	}
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, p := range m.Parameters() {
		if err := binary.Write(w, binary.LittleEndian, p.data); err != nil {
			return fmt.Errorf("write parameter %d: %w", i, err)
		}
	}
	return nil
}

// LoadSCOTC reads a model written by Save.
func LoadSCOTC(ctx context.Context, path string) (*SCOTC, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open checkpoint", path)
	}
	defer f.Close(ctx) // nolint: errcheck

	m, err := readSCOTC(bufio.NewReader(f.Reader(ctx)))
	if err != nil {
		return nil, errors.E(err, "read checkpoint", path)
	}
	return m, nil
}

// maxHeaderLen guards against reading garbage as a header length.
const maxHeaderLen = 1 << 20

func readSCOTC(r io.Reader) (*SCOTC, error) {
	var headerLen uint32
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("read header length: %w", err)
	}
	if headerLen == 0 || headerLen > maxHeaderLen {
		return nil, fmt.Errorf("%w: header length %d", ErrInvalidShape, headerLen)
	}
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	var config ModelConfig
	if err := json.Unmarshal(header, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	m, err := NewSCOTC(config)
	if err != nil {
		return nil, err
	}
	for i, p := range m.Parameters() {
		if err := binary.Read(r, binary.LittleEndian, p.data); err != nil {
			return nil, fmt.Errorf("read parameter %d: %w", i, err)
		}
	}
	return m, nil
}
