package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/tiered/vm"
)

// cborEncMode uses canonical encoding so identical reports produce identical
// bytes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("report: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// MarshalRecord serializes a Record to CBOR bytes.
func MarshalRecord(r *Record) ([]byte, error) {
	return cborEncMode.Marshal(r)
}

// UnmarshalRecord deserializes a Record from CBOR bytes.
func UnmarshalRecord(data []byte) (*Record, error) {
	var r Record
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("report: unmarshal record: %w", err)
	}
	return &r, nil
}

// CBORReporter appends one CBOR record per report to a file, forming a CBOR
// sequence.
type CBORReporter struct {
	path string
	mu   sync.Mutex
}

// NewCBORReporter creates a reporter appending to path.
func NewCBORReporter(path string) *CBORReporter {
	return &CBORReporter{path: path}
}

func (c *CBORReporter) Report(ctx context.Context, r vm.Report) error {
	rec := NewRecord(r)
	data, err := MarshalRecord(&rec)
	if err != nil {
		return fmt.Errorf("report: marshal record: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("report: opening %s: %w", c.path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("report: writing %s: %w", c.path, err)
	}
	return f.Close()
}

// ReadCBOR reads every record of a file written by CBORReporter.
func ReadCBOR(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("report: opening %s: %w", path, err)
	}
	defer f.Close()

	var records []Record
	dec := cbor.NewDecoder(f)
	for {
		var r Record
		err := dec.Decode(&r)
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return records, fmt.Errorf("report: decoding record %d of %s: %w", len(records), path, err)
		}
		records = append(records, r)
	}
}
