package storage

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/san-kum/beamstab/internal/config"
	"github.com/san-kum/beamstab/internal/stabilizer"
)

const (
	// TimeFormat is used for run IDs.
	TimeFormat = "2006-01-02_150405"
	// RowTimeFormat is used for the datetime column of history.csv.
	RowTimeFormat = "2006-01-02 15:04:05.000"

	metadataFile = "metadata.json"
	historyFile  = "history.csv"
	flushEvery   = 10
)

var historyHeader = []string{"datetime", "cycle", "current_ma", "voltage_v", "correction_v", "outcome", "reason"}

// Store keeps one directory per activation holding the configuration
// snapshot and the cycle history.
type Store struct {
	baseDir string
}

func New(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

func (s *Store) Init() error {
	return os.MkdirAll(s.baseDir, 0755)
}

type RunMetadata struct {
	ID      string        `json:"id"`
	Started time.Time     `json:"started"`
	Device  string        `json:"device"`
	Config  config.Config `json:"config"`
}

// Begin opens a new run and writes its metadata.
func (s *Store) Begin(device string, cfg config.Config) (*Session, error) {
	if err := s.Init(); err != nil {
		return nil, err
	}

	started := time.Now()
	runID := started.Format(TimeFormat)
	runDir := filepath.Join(s.baseDir, runID)
	for n := 2; ; n++ {
		err := os.Mkdir(runDir, 0755)
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return nil, err
		}
		runID = fmt.Sprintf("%s-%d", started.Format(TimeFormat), n)
		runDir = filepath.Join(s.baseDir, runID)
	}

	meta := RunMetadata{
		ID:      runID,
		Started: started,
		Device:  device,
		Config:  cfg,
	}
	if err := writeJSON(filepath.Join(runDir, metadataFile), meta); err != nil {
		return nil, err
	}

	f, err := os.Create(filepath.Join(runDir, historyFile))
	if err != nil {
		return nil, err
	}
	w := csv.NewWriter(f)
	if err := w.Write(historyHeader); err != nil {
		f.Close()
		return nil, err
	}
	w.Flush()

	return &Session{ID: runID, Dir: runDir, file: f, w: w}, nil
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Session is the history sink of one run.
type Session struct {
	ID      string
	Dir     string
	file    *os.File
	w       *csv.Writer
	pending int
}

func (s *Session) Append(rec stabilizer.CycleRecord) error {
	row := []string{
		rec.Time.Format(RowTimeFormat),
		strconv.Itoa(rec.Cycle),
		strconv.FormatFloat(rec.Current, 'f', 3, 64),
		strconv.FormatFloat(rec.Voltage, 'f', 3, 64),
		strconv.FormatFloat(rec.Correction, 'f', 3, 64),
		rec.Outcome.Kind.String(),
		rec.Outcome.Reason,
	}
	if err := s.w.Write(row); err != nil {
		return err
	}
	s.pending++
	if s.pending >= flushEvery {
		return s.Flush()
	}
	return nil
}

func (s *Session) Flush() error {
	s.pending = 0
	s.w.Flush()
	return s.w.Error()
}

func (s *Session) Close() error {
	if err := s.Flush(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}

func (s *Store) List() ([]RunMetadata, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunMetadata{}, nil
		}
		return nil, err
	}

	runs := make([]RunMetadata, 0)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := s.Load(entry.Name())
		if err != nil {
			continue
		}
		runs = append(runs, *meta)
	}

	sort.Slice(runs, func(i, j int) bool { return runs[i].Started.Before(runs[j].Started) })
	return runs, nil
}

func (s *Store) Load(runID string) (*RunMetadata, error) {
	data, err := os.ReadFile(filepath.Join(s.baseDir, runID, metadataFile))
	if err != nil {
		return nil, err
	}

	var meta RunMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// Row is one line of history.csv.
type Row struct {
	Time       time.Time `json:"time"`
	Cycle      int       `json:"cycle"`
	Current    float64   `json:"current_ma"`
	Voltage    float64   `json:"voltage_v"`
	Correction float64   `json:"correction_v"`
	Outcome    string    `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
}

// LoadHistory parses history.csv of a run. Malformed lines are skipped.
func (s *Store) LoadHistory(runID string) ([]Row, error) {
	file, err := os.Open(filepath.Join(s.baseDir, runID, historyFile))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	r := csv.NewReader(file)
	r.FieldsPerRecord = -1

	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) < 2 {
		return []Row{}, nil
	}

	rows := make([]Row, 0, len(records)-1)
	for _, record := range records[1:] {
		row, err := parseRow(record)
		if err != nil {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseRow(record []string) (Row, error) {
	if len(record) != len(historyHeader) {
		return Row{}, fmt.Errorf("expected %d fields, got %d", len(historyHeader), len(record))
	}
	t, err := time.ParseInLocation(RowTimeFormat, record[0], time.Local)
	if err != nil {
		return Row{}, err
	}
	cycle, err := strconv.Atoi(record[1])
	if err != nil {
		return Row{}, err
	}
	vals := make([]float64, 3)
	for i := range vals {
		if vals[i], err = strconv.ParseFloat(record[2+i], 64); err != nil {
			return Row{}, err
		}
	}
	return Row{
		Time:       t,
		Cycle:      cycle,
		Current:    vals[0],
		Voltage:    vals[1],
		Correction: vals[2],
		Outcome:    record[5],
		Reason:     record[6],
	}, nil
}
