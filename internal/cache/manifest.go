package cache

import (
	"encoding/json"
	"time"
)

// Page describes one on-disk Parquet file holding a contiguous row
// range of a materialised route result.
type Page struct {
	Index     int    `json:"index"`
	RowOffset int64  `json:"row_offset"`
	RowCount  int64  `json:"row_count"`
	Path      string `json:"path"`
}

// TokenEntry is one value's entry in the invariant index: the pages
// that contain at least one row with that value, plus a human-readable
// sample for diagnostics.
type TokenEntry struct {
	Pages  []int  `json:"pages"`
	Sample string `json:"sample"`
}

// InvariantIndex maps param_name -> token -> TokenEntry.
type InvariantIndex map[string]map[string]*TokenEntry

func (idx InvariantIndex) merge(param, token, sample string, pageIndex int) {
	byToken, ok := idx[param]
	if !ok {
		byToken = map[string]*TokenEntry{}
		idx[param] = byToken
	}
	entry, ok := byToken[token]
	if !ok {
		entry = &TokenEntry{Sample: sample}
		byToken[token] = entry
	}
	for _, p := range entry.Pages {
		if p == pageIndex {
			return
		}
	}
	entry.Pages = append(entry.Pages, pageIndex)
}

// Manifest is the sidecar that accompanies a (route_id, fingerprint)
// page directory, recording everything needed to serve reads without
// re-touching the Parquet files: schema, per-page layout, total rows,
// and the invariant index.
type Manifest struct {
	RouteID        string         `json:"route_id"`
	Fingerprint    string         `json:"fingerprint"`
	SchemaIPC      string         `json:"schema_ipc"` // base64-encoded Arrow IPC schema message
	Pages          []Page         `json:"pages"`
	TotalRows      int64          `json:"total_rows"`
	RowsPerPage    int            `json:"rows_per_page"`
	InvariantIndex InvariantIndex `json:"invariant_index"`
	CreatedAt      time.Time      `json:"created_at"`
}

func (m *Manifest) marshal() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

func unmarshalManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// pagesFor returns the manifest's pages whose row range overlaps
// [offset, offset+limit).
func (m *Manifest) pagesFor(offset, limit int64) []Page {
	if limit <= 0 {
		return nil
	}
	end := offset + limit
	var out []Page
	for _, p := range m.Pages {
		pageEnd := p.RowOffset + p.RowCount
		if pageEnd <= offset {
			continue
		}
		if p.RowOffset >= end {
			break
		}
		out = append(out, p)
	}
	return out
}

func (m *Manifest) pageByIndex(idx int) (Page, bool) {
	for _, p := range m.Pages {
		if p.Index == idx {
			return p, true
		}
	}
	return Page{}, false
}
