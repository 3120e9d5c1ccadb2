package service_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/Gthulhu/mmcontainers/cache"
	"github.com/Gthulhu/mmcontainers/domain"
	"github.com/Gthulhu/mmcontainers/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runFilter(t *testing.T, store domain.RecordReader, opts service.FilterOptions, input string) []string {
	t.Helper()
	filter := service.NewLineFilter(service.NewEnricher(store, service.EnricherOptions{}), opts)
	var out bytes.Buffer
	require.NoError(t, filter.Run(context.Background(), strings.NewReader(input), &out))
	if out.Len() == 0 {
		return nil
	}
	return strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
}

func TestLineFilterMerge(t *testing.T) {
	input := strings.Join([]string{
		`{"msg":"hello","$!":{"CONTAINER_ID_FULL":"abc123"},"n":12345678901234567890}`,
		`{"msg":"unrelated",  "pid": 7}`,
		`{"$!":{"CONTAINER_ID_FULL":"unknown"}}`,
	}, "\n") + "\n"

	lines := runFilter(t, seedStore(t), service.FilterOptions{}, input)
	require.Len(t, lines, 3)
	assert.JSONEq(t, `{
		"msg": "hello",
		"n": 12345678901234567890,
		"$!": {
			"CONTAINER_ID_FULL": "abc123",
			"docker": {
				"image": "img@sha",
				"labels": {"io.kubernetes.pod.namespace": "ns1", "io.kubernetes.pod.name": "pod1"}
			},
			"kubernetes": {"name": "pod1", "namespace": "ns1", "labels": {}, "annotations": {}}
		}
	}`, lines[0])
	assert.Equal(t, `{"msg":"unrelated",  "pid": 7}`, lines[1], "records without metadata are echoed verbatim")
	assert.Equal(t, `{"$!":{"CONTAINER_ID_FULL":"unknown"}}`, lines[2])
}

func TestLineFilterDelta(t *testing.T) {
	input := `{"$!":{"CONTAINER_ID_FULL":"abc123"}}` + "\n" + `{"msg":"x"}` + "\n" + "not json\n"

	lines := runFilter(t, seedStore(t), service.FilterOptions{Mode: service.OutputDelta}, input)
	require.Len(t, lines, 3)
	assert.JSONEq(t, `{"$!": {
		"docker": {
			"image": "img@sha",
			"labels": {"io.kubernetes.pod.namespace": "ns1", "io.kubernetes.pod.name": "pod1"}
		},
		"kubernetes": {"name": "pod1", "namespace": "ns1", "labels": {}, "annotations": {}}
	}}`, lines[0])
	assert.Equal(t, "{}", lines[1])
	assert.Equal(t, "{}", lines[2])
}

func TestLineFilterMalformedPolicy(t *testing.T) {
	input := "not json\n" + `[1,2]` + "\n" + "null\n" + `{"$!":{"CONTAINER_ID_FULL":"abc123"}}` + "\n"

	lines := runFilter(t, seedStore(t), service.FilterOptions{}, input)
	require.Len(t, lines, 4)
	assert.Equal(t, "not json", lines[0])
	assert.Equal(t, "[1,2]", lines[1])
	assert.Equal(t, "null", lines[2])
	assert.Contains(t, lines[3], `"docker"`)

	lines = runFilter(t, seedStore(t), service.FilterOptions{Malformed: service.MalformedDrop}, input)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"kubernetes"`)
}

func TestLineFilterLongLineWithoutTrailingNewline(t *testing.T) {
	long := strings.Repeat("x", 256*1024)
	input := `{"$!":{"CONTAINER_ID_FULL":"abc123"},"payload":"` + long + `"}`

	lines := runFilter(t, seedStore(t), service.FilterOptions{Mode: service.OutputDelta}, input)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"img@sha"`)
}

func TestLineFilterCRLFAndBlankLines(t *testing.T) {
	lines := runFilter(t, seedStore(t), service.FilterOptions{}, "{\"a\":1}\r\n\n")
	require.Len(t, lines, 2)
	assert.Equal(t, `{"a":1}`, lines[0])
	assert.Equal(t, "", lines[1])
}

func TestLineFilterStoreErrorPassesThrough(t *testing.T) {
	reader := failingReader{err: errors.New("database is locked")}
	record := `{"$!":{"CONTAINER_ID_FULL":"abc123"}}`

	lines := runFilter(t, reader, service.FilterOptions{}, record+"\n")
	assert.Equal(t, []string{record}, lines)

	lines = runFilter(t, reader, service.FilterOptions{Mode: service.OutputDelta}, record+"\n")
	assert.Equal(t, []string{"{}"}, lines)
}

// lineWriter signals every write so the test can observe per-line flushing.
type lineWriter struct {
	writes chan string
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.writes <- string(p)
	return len(p), nil
}

func TestLineFilterFlushesEveryLine(t *testing.T) {
	filter := service.NewLineFilter(service.NewEnricher(cache.NewMemoryStore(), service.EnricherOptions{}), service.FilterOptions{})
	in, feed := io.Pipe()
	out := &lineWriter{writes: make(chan string, 4)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- filter.Run(ctx, in, out) }()

	go func() { _, _ = feed.Write([]byte("{\"a\":1}\n")) }()
	select {
	case got := <-out.writes:
		assert.Equal(t, "{\"a\":1}\n", got)
	case <-time.After(5 * time.Second):
		t.Fatal("line was not flushed before the next one arrived")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("filter did not stop on cancellation")
	}
	_ = feed.Close()
}

type brokenWriter struct{}

func (brokenWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestLineFilterWriteError(t *testing.T) {
	filter := service.NewLineFilter(service.NewEnricher(cache.NewMemoryStore(), service.EnricherOptions{}), service.FilterOptions{})
	err := filter.Run(context.Background(), strings.NewReader("{}\n"), brokenWriter{})
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestParseModes(t *testing.T) {
	mode, err := service.ParseOutputMode("")
	require.NoError(t, err)
	assert.Equal(t, service.OutputMerge, mode)
	mode, err = service.ParseOutputMode("delta")
	require.NoError(t, err)
	assert.Equal(t, service.OutputDelta, mode)
	_, err = service.ParseOutputMode("full")
	assert.Error(t, err)

	policy, err := service.ParseMalformedPolicy("drop")
	require.NoError(t, err)
	assert.Equal(t, service.MalformedDrop, policy)
	_, err = service.ParseMalformedPolicy("explode")
	assert.Error(t, err)
}
