package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Rajchodisetti/papertrader/internal/observ"
)

// Journal appends events to a JSONL file.
type Journal struct {
	mu   sync.Mutex
	path string
}

// NewJournal creates the parent directory of path.
func NewJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	return &Journal{path: path}, nil
}

func (j *Journal) Path() string {
	return j.path
}

func (j *Journal) Record(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// Filter narrows ReadJournal results. Zero values match everything.
type Filter struct {
	Types []string
	Since time.Time
	Limit int // keep only the last Limit matches
}

func (f Filter) match(ev Event) bool {
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if ev.Type == t {
			return true
		}
	}
	return false
}

// Apply returns the events matching filter's types and age. Limit is left to
// the caller, which may be paging.
func Apply(events []Event, filter Filter) []Event {
	var out []Event
	for _, ev := range events {
		if filter.match(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// ReadJournal loads events from a JSONL journal. Malformed lines are skipped
// and counted rather than failing the whole read.
func ReadJournal(path string, filter Filter) ([]Event, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer file.Close()

	var events []Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			observ.IncCounter("journal_parse_errors_total", nil)
			observ.Warn("journal_line_skipped", map[string]any{"line": strconv.Itoa(lineNum), "error": err})
			continue
		}
		if filter.match(ev) {
			events = append(events, ev)
		}
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("error reading journal: %w", err)
	}

	if filter.Limit > 0 && len(events) > filter.Limit {
		events = events[len(events)-filter.Limit:]
	}
	return events, nil
}
