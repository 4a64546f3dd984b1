package seed

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/segmentio/parquet-go"
	"go.uber.org/zap"
)

// Format identifies a corpus file layout.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatJSON    Format = "json"
	FormatParquet Format = "parquet"
	FormatUnknown Format = "unknown"
)

// Record is one benign corpus document.
type Record struct {
	Text string `json:"text" parquet:"text"`
}

// maxRecordBytes discards corpus rows too large to be a realistic
// training document.
const maxRecordBytes = 20000

// DetectFormat maps a file extension to a corpus format.
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV
	case ".json", ".jsonl", ".ndjson":
		return FormatJSON
	case ".parquet":
		return FormatParquet
	default:
		return FormatUnknown
	}
}

// LoadCorpus reads every valid text record from a corpus file.
func LoadCorpus(path string, logger *zap.Logger) ([]string, error) {
	format := DetectFormat(path)
	logger.Info("Loading seed corpus",
		zap.String("file", path),
		zap.String("format", string(format)))

	var texts []string
	var err error
	switch format {
	case FormatCSV:
		texts, err = loadCSV(path, logger)
	case FormatJSON:
		texts, err = loadJSON(path, logger)
	case FormatParquet:
		texts, err = loadParquet(path, logger)
	default:
		return nil, fmt.Errorf("unsupported corpus format: %s", filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}

	logger.Info("Seed corpus loaded", zap.Int("records", len(texts)))
	return texts, nil
}

// loadCSV reads a headered CSV whose first column is the text.
func loadCSV(path string, logger *zap.Logger) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV corpus: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	if _, err := reader.Read(); err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	var texts []string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			logger.Warn("Skipping unreadable CSV record", zap.Error(err))
			continue
		}
		if len(record) == 0 {
			continue
		}
		if text, ok := validText(record[0]); ok {
			texts = append(texts, text)
		}
	}
	return texts, nil
}

// loadJSON reads newline-delimited JSON objects with a text field.
func loadJSON(path string, logger *zap.Logger) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSON corpus: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var texts []string
	for {
		var record Record
		err := decoder.Decode(&record)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode JSON corpus record: %w", err)
		}
		if text, ok := validText(record.Text); ok {
			texts = append(texts, text)
		}
	}
	return texts, nil
}

func loadParquet(path string, logger *zap.Logger) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open Parquet corpus: %w", err)
	}
	defer file.Close()

	reader := parquet.NewReader(file)
	defer reader.Close()

	var texts []string
	for {
		var record Record
		err := reader.Read(&record)
		if err == io.EOF {
			break
		}
		if err != nil {
			logger.Warn("Skipping unreadable Parquet record", zap.Error(err))
			continue
		}
		if text, ok := validText(record.Text); ok {
			texts = append(texts, text)
		}
	}
	return texts, nil
}

func validText(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if text == "" || len(text) > maxRecordBytes {
		return "", false
	}
	return text, true
}
