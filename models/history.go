package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	util "github.com/5amCurfew/xtap/util"
)

// /////////////////////////////////////////////////////////
// HISTORY.JSON
// /////////////////////////////////////////////////////////
type ExecutionMetric struct {
	RunID             string         `json:"run_id"`
	ExecutionStart    time.Time      `json:"execution_start"`
	ExecutionEnd      time.Time      `json:"execution_end"`
	ExecutionDuration time.Duration  `json:"execution_duration"`
	Cancelled         bool           `json:"cancelled,omitempty"`
	Streams           []StreamMetric `json:"streams"`
}

type StreamMetric struct {
	Stream           string `json:"stream"`
	Status           string `json:"status"`
	RecordsExtracted int    `json:"records_extracted"`
	RecordsEmitted   int    `json:"records_emitted"`
	RecordsDropped   int    `json:"records_dropped"`
	Checkpoints      int    `json:"checkpoints"`
	Error            string `json:"error,omitempty"`
}

// AppendToHistory appends metric to the JSON array stored at filePath,
// creating the file if needed.
func AppendToHistory(filePath string, metric ExecutionMetric) error {
	var metrics []ExecutionMetric

	data, err := os.ReadFile(filePath)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return fmt.Errorf("error reading history file: %w", err)
	case len(data) > 0:
		if err := json.Unmarshal(data, &metrics); err != nil {
			return fmt.Errorf("error unmarshalling history file: %w", err)
		}
	}

	metrics = append(metrics, metric)
	return util.WriteJSON(filePath, metrics)
}
