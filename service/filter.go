package service

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Gthulhu/mmcontainers/pkg/logger"
	"github.com/bytedance/sonic"
)

type OutputMode string

const (
	// OutputMerge writes the whole enriched record.
	OutputMerge OutputMode = "merge"
	// OutputDelta writes only the update object, as rsyslog's mmexternal expects.
	OutputDelta OutputMode = "delta"
)

type MalformedPolicy string

const (
	MalformedPassthrough MalformedPolicy = "passthrough"
	MalformedDrop        MalformedPolicy = "drop"
)

var emptyObject = []byte("{}")

// lineAPI keeps numbers as json.Number so untouched fields are written back verbatim.
var lineAPI = sonic.Config{
	UseNumber: true,
}.Froze()

func ParseOutputMode(s string) (OutputMode, error) {
	switch OutputMode(s) {
	case "", OutputMerge:
		return OutputMerge, nil
	case OutputDelta:
		return OutputDelta, nil
	}
	return "", fmt.Errorf("unknown output mode %q", s)
}

func ParseMalformedPolicy(s string) (MalformedPolicy, error) {
	switch MalformedPolicy(s) {
	case "", MalformedPassthrough:
		return MalformedPassthrough, nil
	case MalformedDrop:
		return MalformedDrop, nil
	}
	return "", fmt.Errorf("unknown malformed line policy %q", s)
}

type FilterOptions struct {
	Mode      OutputMode
	Malformed MalformedPolicy
}

// LineFilter enriches newline-delimited JSON records one line at a time.
type LineFilter struct {
	enricher *Enricher
	opts     FilterOptions
}

func NewLineFilter(enricher *Enricher, opts FilterOptions) *LineFilter {
	if opts.Mode == "" {
		opts.Mode = OutputMerge
	}
	if opts.Malformed == "" {
		opts.Malformed = MalformedPassthrough
	}
	return &LineFilter{enricher: enricher, opts: opts}
}

type readResult struct {
	line []byte
	err  error
}

// Run writes one line per input line, flushing after each, until in is exhausted or ctx is
// cancelled. Only write failures and read errors other than EOF are returned.
func (f *LineFilter) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	lines := make(chan readResult)
	go readLines(ctx, bufio.NewReader(in), lines)

	w := bufio.NewWriter(out)
	for {
		select {
		case <-ctx.Done():
			return nil
		case res := <-lines:
			// a read error may still carry a final unterminated line
			if res.err == nil || len(res.line) > 0 {
				if err := f.processLine(ctx, w, res.line); err != nil {
					return err
				}
			}
			if errors.Is(res.err, io.EOF) {
				return nil
			}
			if res.err != nil {
				return fmt.Errorf("reading input: %w", res.err)
			}
		}
	}
}

// readLines reads whole lines of any length. A final line without a newline is still delivered.
func readLines(ctx context.Context, r *bufio.Reader, lines chan<- readResult) {
	for {
		line, err := r.ReadBytes('\n')
		line = bytes.TrimRight(line, "\r\n")
		select {
		case lines <- readResult{line: line, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (f *LineFilter) processLine(ctx context.Context, w *bufio.Writer, line []byte) error {
	output, ok := f.transform(ctx, line)
	if !ok {
		return nil
	}
	if _, err := w.Write(output); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}
	if err := w.WriteByte('\n'); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flushing output: %w", err)
	}
	return nil
}

// transform returns the output line, or false when the line is dropped.
func (f *LineFilter) transform(ctx context.Context, line []byte) ([]byte, bool) {
	log := logger.Logger(ctx)

	var record map[string]any
	if err := lineAPI.Unmarshal(line, &record); err != nil || record == nil {
		log.Warn().Err(err).Int("bytes", len(line)).Msg("malformed input line")
		if f.opts.Malformed == MalformedDrop {
			return nil, false
		}
		if f.opts.Mode == OutputDelta {
			return emptyObject, true
		}
		return line, true
	}

	update, err := f.enricher.Lookup(ctx, record)
	if err != nil {
		log.Warn().Err(err).Msg("metadata lookup failed, passing record through")
		update = nil
	}

	if f.opts.Mode == OutputDelta {
		if len(update) == 0 {
			return emptyObject, true
		}
		return f.encode(ctx, update, emptyObject), true
	}
	if len(update) == 0 {
		return line, true
	}
	return f.encode(ctx, f.enricher.merge(record, update), line), true
}

func (f *LineFilter) encode(ctx context.Context, v any, fallback []byte) []byte {
	data, err := lineAPI.Marshal(v)
	if err != nil {
		logger.Logger(ctx).Warn().Err(err).Msg("failed to encode output record")
		return fallback
	}
	return data
}
