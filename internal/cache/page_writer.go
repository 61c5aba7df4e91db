package cache

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
)

// pageWriter accumulates incoming record batches into page files,
// closing and starting a new page once rowsPerPage is reached. Closing
// a page is the point at which its row range and path become final.
type pageWriter struct {
	dir         string
	schema      *arrow.Schema
	rowsPerPage int

	pages     []Page
	totalRows int64

	current       *pqarrow.FileWriter
	currentFile   *os.File
	currentRows   int64
	currentOffset int64
	pageIndex     int
}

// append writes rec into the currently open page (opening one if
// needed), invoking onPageWrite with the page index the row landed in
// so the caller can accumulate invariant-index entries, then rotates
// to a new page once the soft row limit is reached.
func (w *pageWriter) append(rec arrow.Record, onPageWrite func(pageIndex int)) error {
	if w.current == nil {
		if err := w.openPage(); err != nil {
			return err
		}
	}
	if err := w.current.Write(rec); err != nil {
		return fmt.Errorf("write page %d: %w", w.pageIndex, err)
	}
	w.currentRows += rec.NumRows()
	w.totalRows += rec.NumRows()
	onPageWrite(w.pageIndex)

	if w.currentRows >= int64(w.rowsPerPage) {
		return w.closePage()
	}
	return nil
}

func (w *pageWriter) openPage() error {
	path := filepath.Join(w.dir, fmt.Sprintf("page-%05d.parquet", w.pageIndex))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create page file: %w", err)
	}
	fw, err := pqarrow.NewFileWriter(w.schema, f, parquet.NewWriterProperties(), pqarrow.DefaultWriterProps())
	if err != nil {
		f.Close()
		return fmt.Errorf("open parquet writer: %w", err)
	}
	w.current = fw
	w.currentFile = f
	w.currentRows = 0
	return nil
}

func (w *pageWriter) closePage() error {
	if w.current == nil {
		return nil
	}
	if err := w.current.Close(); err != nil {
		return fmt.Errorf("close parquet writer: %w", err)
	}
	if err := w.currentFile.Close(); err != nil {
		return fmt.Errorf("close page file: %w", err)
	}
	w.pages = append(w.pages, Page{
		Index:     w.pageIndex,
		RowOffset: w.currentOffset,
		RowCount:  w.currentRows,
		Path:      fmt.Sprintf("page-%05d.parquet", w.pageIndex),
	})
	w.currentOffset += w.currentRows
	w.pageIndex++
	w.current = nil
	w.currentFile = nil
	return nil
}

// close flushes the in-progress page, if any. A route with no rows at
// all produces zero pages, which is a valid (empty) cache entry.
func (w *pageWriter) close() error {
	return w.closePage()
}
