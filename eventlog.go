/*
Copyright 2026 ForgeGuard Technologies Inc

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package forgeguard

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	logFilePrefix   = "analysis_"
	logFileSuffix   = ".jsonl"
	partitionLayout = "2006-01-02"
)

// LogRecord is one line of the audit log, written for every request that was
// admitted and carried through the pipeline.
type LogRecord struct {
	Timestamp        time.Time `json:"timestamp"`
	RequestID        string    `json:"request_id"`
	Fingerprint      string    `json:"fingerprint"`
	SourceURL        string    `json:"source_url"`
	ImageURL         string    `json:"image_url,omitempty"`
	Result           *Analysis `json:"result"`
	ProcessingTimeMs float64   `json:"processing_time_ms"`
	Model            ModelInfo `json:"model_info"`
	CacheHit         bool      `json:"cache_hit"`
}

// LogStats summarizes every record currently retained in the log.
type LogStats struct {
	TotalAnalyses int `json:"total_analyses"`
	AIDetections  int `json:"ai_detections"`
	CacheHits     int `json:"cache_hits"`
	// CacheHitRate is cache hits over total records as a ratio in [0, 1].
	CacheHitRate float64 `json:"cache_hit_rate"`
}

// EventLog is an append only audit log partitioned by UTC day into
// `analysis_YYYY-MM-DD.jsonl` files. Records within a partition are in
// append order. The writer holds the current partition open and rotates when
// a record lands on a new day.
type EventLog struct {
	log logrus.FieldLogger
	dir string

	mu        sync.Mutex
	partition string
	file      *os.File
}

func NewEventLog(dir string) (*EventLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "while creating event log directory")
	}
	return &EventLog{
		log: logrus.WithField("category", "eventlog"),
		dir: dir,
	}, nil
}

func partitionName(ts time.Time) string {
	return logFilePrefix + ts.UTC().Format(partitionLayout) + logFileSuffix
}

// Append writes the record to the partition its timestamp falls on. A zero
// timestamp is filled with the current time. The record is durable in the
// partition file once Append returns nil.
func (e *EventLog) Append(rec *LogRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = clock.Now().UTC()
	}

	buf, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "while marshalling log record")
	}
	buf = append(buf, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()

	f, err := e.partitionFile(rec.Timestamp)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf); err != nil {
		return errors.Wrapf(err, "while appending to partition '%s'", e.partition)
	}
	return nil
}

// partitionFile returns the open handle for the partition the timestamp
// falls on, rotating the previous handle if needed. Callers must hold mu.
func (e *EventLog) partitionFile(ts time.Time) (*os.File, error) {
	name := partitionName(ts)
	if e.file != nil && e.partition == name {
		return e.file, nil
	}

	if e.file != nil {
		if err := e.file.Close(); err != nil {
			e.log.WithError(err).WithField("partition", e.partition).
				Warn("while closing previous partition")
		}
		e.file = nil
	}

	f, err := os.OpenFile(filepath.Join(e.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "while opening partition '%s'", name)
	}
	e.file = f
	e.partition = name
	return f, nil
}

// partitions lists partition file names in chronological order. Files that
// do not match the partition naming scheme are ignored.
func (e *EventLog) partitions() ([]string, error) {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return nil, errors.Wrap(err, "while listing event log directory")
	}

	var out []string
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || !strings.HasPrefix(name, logFilePrefix) ||
			!strings.HasSuffix(name, logFileSuffix) {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (e *EventLog) readPartition(name string) []*LogRecord {
	f, err := os.Open(filepath.Join(e.dir, name))
	if err != nil {
		e.log.WithError(err).WithField("partition", name).
			Warn("skipping unreadable partition")
		return nil
	}
	defer f.Close()

	var out []*LogRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec LogRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			e.log.WithError(err).WithField("partition", name).
				Warn("skipping malformed log record")
			continue
		}
		out = append(out, &rec)
	}
	if err := scanner.Err(); err != nil {
		e.log.WithError(err).WithField("partition", name).
			Warn("while scanning partition")
	}
	return out
}

// Recent returns up to limit records, newest first, crossing partition
// boundaries as needed. A limit of zero defaults to 100.
func (e *EventLog) Recent(limit int) ([]*LogRecord, error) {
	setter.SetDefault(&limit, 100)

	parts, err := e.partitions()
	if err != nil {
		return nil, err
	}

	out := make([]*LogRecord, 0, limit)
	for i := len(parts) - 1; i >= 0 && len(out) < limit; i-- {
		recs := e.readPartition(parts[i])
		for j := len(recs) - 1; j >= 0 && len(out) < limit; j-- {
			out = append(out, recs[j])
		}
	}
	return out, nil
}

// AggregateStats scans every retained partition and summarizes it.
func (e *EventLog) AggregateStats() (LogStats, error) {
	var stats LogStats

	parts, err := e.partitions()
	if err != nil {
		return stats, err
	}

	for _, name := range parts {
		for _, rec := range e.readPartition(name) {
			stats.TotalAnalyses++
			if rec.Result != nil && rec.Result.Verdict == VerdictAI {
				stats.AIDetections++
			}
			if rec.CacheHit {
				stats.CacheHits++
			}
		}
	}
	if stats.TotalAnalyses != 0 {
		stats.CacheHitRate = float64(stats.CacheHits) / float64(stats.TotalAnalyses)
	}
	return stats, nil
}

// Prune removes whole partitions dated strictly before the retention cutoff.
// The partition holding the cutoff day itself is kept; records are never
// rewritten within a partition. Returns the number of partitions removed. A
// retention of zero or less disables pruning.
func (e *EventLog) Prune(retentionDays int) int {
	if retentionDays <= 0 {
		return 0
	}

	parts, err := e.partitions()
	if err != nil {
		e.log.WithError(err).Warn("while pruning event log")
		return 0
	}

	now := clock.Now().UTC()
	cutoff := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).
		AddDate(0, 0, -retentionDays)

	e.mu.Lock()
	defer e.mu.Unlock()

	var removed int
	for _, name := range parts {
		raw := strings.TrimSuffix(strings.TrimPrefix(name, logFilePrefix), logFileSuffix)
		date, err := time.ParseInLocation(partitionLayout, raw, time.UTC)
		if err != nil {
			continue
		}
		if !date.Before(cutoff) {
			continue
		}

		if err := os.Remove(filepath.Join(e.dir, name)); err != nil {
			e.log.WithError(err).WithField("partition", name).
				Warn("while removing expired partition")
			continue
		}
		// Drop the writer handle if its partition was just removed, else
		// appends would land on an unlinked inode.
		if e.file != nil && e.partition == name {
			e.file.Close()
			e.file = nil
			e.partition = ""
		}
		e.log.WithField("partition", name).Debug("removed expired partition")
		removed++
	}
	return removed
}

func (e *EventLog) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.file == nil {
		return nil
	}
	err := e.file.Close()
	e.file = nil
	e.partition = ""
	return err
}
