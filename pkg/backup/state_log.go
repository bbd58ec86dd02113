package backup

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

const stateLogHeader = "# pibackup state log - one document per start run, newest at the bottom.\n"

// RunRecord is one entry of the state log.
type RunRecord struct {
	Time        time.Time     `yaml:"time"`
	Image       string        `yaml:"image"`
	Source      string        `yaml:"source,omitempty"`
	Created     bool          `yaml:"created"`
	Capacity    uint64        `yaml:"capacity,omitempty"`
	Loop        string        `yaml:"loop,omitempty"`
	Stage       Stage         `yaml:"stage"`
	Outcome     Outcome       `yaml:"outcome"`
	Bytes       uint64        `yaml:"bytes"`
	Warnings    []string      `yaml:"warnings,omitempty"`
	Identifiers Identifiers   `yaml:"identifiers,omitempty"`
	Compressed  string        `yaml:"compressed,omitempty"`
	Error       string        `yaml:"error,omitempty"`
	Duration    time.Duration `yaml:"duration"`
}

func NewRunRecord(res RunResult) RunRecord {
	rec := RunRecord{
		Time:        res.Started.UTC(),
		Image:       res.Image,
		Source:      res.Source,
		Created:     res.Created,
		Capacity:    res.Capacity,
		Loop:        res.Loop,
		Stage:       res.Stage,
		Outcome:     res.Outcome,
		Bytes:       res.Sync.BytesTransferred,
		Warnings:    res.Warnings,
		Identifiers: res.Identifiers,
		Compressed:  res.Compressed,
		Duration:    res.Duration.Round(time.Millisecond),
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	return rec
}

// AppendStateLog appends rec to path as a YAML document. The file and its
// directory are created on first use.
func AppendStateLog(fs afero.Fs, path string, rec RunRecord) error {
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := fs.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	var b bytes.Buffer
	if info, err := f.Stat(); err == nil && info.Size() == 0 {
		b.WriteString(stateLogHeader)
	}
	b.WriteString("---\n")
	enc := yaml.NewEncoder(&b)
	enc.SetIndent(2)
	if err := enc.Encode(rec); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	_, err = f.Write(b.Bytes())
	return err
}

// ReadStateLog returns every record in path, oldest first.
func ReadStateLog(fs afero.Fs, path string) ([]RunRecord, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var recs []RunRecord
	for {
		var rec RunRecord
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return recs, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
