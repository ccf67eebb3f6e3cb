package patient

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const maxImportLine = 1 << 20

// ImportResult is the outcome of one line of an import file. Line is 1-based.
type ImportResult struct {
	Line      int
	PatientID uuid.UUID
	Err       error
}

// Importer runs intakes for a newline-delimited JSON file, one payload per
// line and one unit of work per payload. A failed line never affects others.
type Importer struct {
	svc     *Service
	workers int
	logger  zerolog.Logger
}

func NewImporter(svc *Service, workers int, logger zerolog.Logger) *Importer {
	if workers < 1 {
		workers = 1
	}
	return &Importer{svc: svc, workers: workers, logger: logger}
}

// Import reads r to the end and runs every non-blank line. The returned error
// is set only when r cannot be read or ctx is cancelled; per-line failures are
// reported in the results, ordered by line.
func (i *Importer) Import(ctx context.Context, r io.Reader) ([]ImportResult, error) {
	lines, err := readLines(r)
	if err != nil {
		return nil, err
	}

	results := make([]ImportResult, len(lines))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.workers)
	for idx, l := range lines {
		idx, l := idx, l
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res := ImportResult{Line: l.number}
			payload, err := DecodePayload(bytes.NewReader(l.data))
			if err == nil {
				var p *Patient
				if p, err = i.svc.Intake(gctx, payload); err == nil {
					res.PatientID = p.ID
				}
			}
			res.Err = err
			results[idx] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}
	i.logger.Info().Int("lines", len(results)).Int("failed", failed).Msg("import finished")
	return results, nil
}

type line struct {
	number int
	data   []byte
}

func readLines(r io.Reader) ([]line, error) {
	var out []line
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxImportLine)
	n := 0
	for sc.Scan() {
		n++
		data := bytes.TrimSpace(sc.Bytes())
		if len(data) == 0 {
			continue
		}
		out = append(out, line{number: n, data: append([]byte(nil), data...)})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read import: %w", err)
	}
	return out, nil
}
