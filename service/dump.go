package service

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/Gthulhu/mmcontainers/domain"
	"github.com/bytedance/sonic"
)

var dumpAPI = sonic.Config{
	UseNumber:   true,
	SortMapKeys: true,
}.Froze()

type dumpEntry struct {
	key    string
	record *domain.MetadataRecord
}

// DumpStore writes "<key> <record json>" per entry whose key starts with prefix, sorted by key.
// It returns the number of entries written.
func DumpStore(ctx context.Context, store domain.Store, prefix string, out io.Writer) (int, error) {
	var entries []dumpEntry
	err := store.Range(ctx, func(key string, record *domain.MetadataRecord) bool {
		if strings.HasPrefix(key, prefix) {
			entries = append(entries, dumpEntry{key: key, record: record})
		}
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("reading store: %w", err)
	}
	slices.SortFunc(entries, func(a, b dumpEntry) int { return strings.Compare(a.key, b.key) })

	w := bufio.NewWriter(out)
	for _, e := range entries {
		data, err := dumpAPI.Marshal(e.record)
		if err != nil {
			return 0, fmt.Errorf("encoding %s: %w", e.key, err)
		}
		fmt.Fprintf(w, "%s %s\n", e.key, data)
	}
	if err := w.Flush(); err != nil {
		return 0, err
	}
	return len(entries), nil
}
