package fileio

import (
	"errors"
	"fmt"
	"io"
	"os"

	"geoterminal/pkg/geom"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

func writeIPC(fr *geom.Frame, path string) error {
	if fr.GetSchema() == nil {
		return fmt.Errorf("frame has no schema")
	}

	schema, err := withCRSMetadata(fr)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	w, err := ipc.NewFileWriter(f, ipc.WithSchema(schema), ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return fmt.Errorf("failed to create arrow writer: %w", err)
	}

	recs := rebind(schema, fr.GetRecords())
	defer release(recs)

	for _, rec := range recs {
		if err := w.Write(rec); err != nil {
			w.Close()
			return fmt.Errorf("failed to write record batch: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		return err
	}
	return f.Close()
}

func readIPC(path string, fallback string) (*geom.Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("failed to open arrow file: %w", err)
	}
	defer r.Close()

	var recs []arrow.RecordBatch
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			release(recs)
			return nil, fmt.Errorf("failed to read record batch: %w", err)
		}
		rec.Retain()
		recs = append(recs, rec)
	}

	schema := r.Schema()
	return geom.NewFrame(schema, recs, metadataCRS(schema.Metadata(), fallback)), nil
}
