// Package reader loads recorded trace files for the read-only CLI surfaces.
package reader

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pithecene-io/virtsnd/trace"
	"github.com/pithecene-io/virtsnd/wire"
)

// TraceSummary aggregates one trace file.
type TraceSummary struct {
	Path    string     `json:"path"`
	Total   int        `json:"total"`
	PCM     int        `json:"pcm"`
	Kctl    int        `json:"kctl"`
	Cfg     int        `json:"cfg"`
	Failed  int        `json:"failed"`
	Domains []string   `json:"domains"`
	First   *time.Time `json:"first,omitempty"`
	Last    *time.Time `json:"last,omitempty"`
}

// Load reads every record from a trace file. A fatal frame error aborts;
// a record that fails to decode is skipped.
func Load(path string) ([]trace.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open trace %q: %w", path, err)
	}
	defer f.Close()

	r := trace.NewReader(f)
	var records []trace.Record
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			if trace.IsFatalFrameError(err) {
				return nil, err
			}
			continue
		}
		records = append(records, *rec)
	}
}

// Summarize aggregates records into a TraceSummary.
func Summarize(path string, records []trace.Record) TraceSummary {
	s := TraceSummary{Path: path, Total: len(records)}
	seen := map[string]bool{}
	for i := range records {
		rec := &records[i]
		switch rec.Cmd & wire.MsgTypeMask {
		case wire.MsgTypePCM:
			s.PCM++
		case wire.MsgTypeKctl:
			s.Kctl++
		case wire.MsgTypeCfg:
			s.Cfg++
		}
		if rec.Status != 0 {
			s.Failed++
		}
		if rec.DomainName != "" && !seen[rec.DomainName] {
			seen[rec.DomainName] = true
			s.Domains = append(s.Domains, rec.DomainName)
		}
		t := rec.Time
		if s.First == nil || t.Before(*s.First) {
			first := t
			s.First = &first
		}
		if s.Last == nil || t.After(*s.Last) {
			last := t
			s.Last = &last
		}
	}
	return s
}
