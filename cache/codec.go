package cache

import (
	"fmt"

	"github.com/Gthulhu/mmcontainers/domain"
	"github.com/bytedance/sonic"
)

// recordAPI keeps numbers as json.Number so values read back unchanged.
var recordAPI = sonic.Config{
	UseNumber:   true,
	SortMapKeys: true,
}.Froze()

func encodeRecord(record *domain.MetadataRecord) ([]byte, error) {
	data, err := recordAPI.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	return data, nil
}

func decodeRecord(data []byte) (*domain.MetadataRecord, error) {
	var record domain.MetadataRecord
	if err := recordAPI.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return &record, nil
}
