package lab

import "github.com/vlhc/tunelab/internal/tune"

// JobConfig is the option set sent to an agent with job_start.
type JobConfig struct {
	Beam       string             `json:"beam"`
	Process    string             `json:"process"`
	Energy     float64            `json:"energy"`
	Events     int64              `json:"events"`
	Seed       uint16             `json:"seed"`
	Tune       map[string]float64 `json:"tune"`
	Params     string             `json:"params,omitempty"`
	Specific   string             `json:"specific,omitempty"`
	Generator  string             `json:"generator"`
	Version    string             `json:"version"`
	RepoTag    string             `json:"repoTag"`
	RepoType   string             `json:"repoType"`
	RepoURL    string             `json:"repoURL"`
	Histograms []string           `json:"histograms"`
}

// JobConfig builds the agent configuration for running t with an event quota
// and seed.
func (l *Lab) JobConfig(t tune.Tune, events int64, seed uint16) JobConfig {
	return JobConfig{
		Beam:       l.Beam,
		Process:    l.Process,
		Energy:     l.Energy,
		Events:     events,
		Seed:       seed,
		Tune:       t.Map(),
		Params:     l.Params,
		Specific:   l.Specific,
		Generator:  l.Generator,
		Version:    l.Version,
		RepoTag:    l.Repository.Tag,
		RepoType:   l.Repository.Type,
		RepoURL:    l.Repository.URL,
		Histograms: l.HistogramNames(),
	}
}
