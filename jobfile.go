package reframe

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// JobFile is a batch of transcodes read from YAML:
//
//	defaults:
//	  width: 720
//	  height: 720
//	  shader: grayscale
//	jobs:
//	  - input: in.mp4
//	    output: out.mp4
//	  - input: clip.mov
//	    output: clip-invert.mp4
//	    shader: invert
type JobFile struct {
	Defaults Config   `yaml:"defaults"`
	Jobs     []Config `yaml:"jobs"`
}

// LoadJobFile reads a job file. Every job inherits unset fields from the
// file's defaults, then from DefaultConfig, and is validated.
func LoadJobFile(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jobs, err := ParseJobFile(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return jobs, nil
}

// ParseJobFile parses job file contents. See LoadJobFile.
func ParseJobFile(data []byte) ([]Config, error) {
	var jf JobFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&jf); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse job file: %w", err)
	}
	if len(jf.Jobs) == 0 {
		return nil, errors.New("job file lists no jobs")
	}

	defaults := jf.Defaults.WithDefaults(DefaultConfig())
	jobs := make([]Config, 0, len(jf.Jobs))
	for i, job := range jf.Jobs {
		cfg := job.WithDefaults(defaults)
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("job %d: %w", i, err)
		}
		jobs = append(jobs, cfg)
	}
	return jobs, nil
}
