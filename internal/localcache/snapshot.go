package localcache

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"github.com/nerrad567/gray-logic-acs/internal/cwmp/scheduling"
	"github.com/nerrad567/gray-logic-acs/internal/cwmp/session"
)

const (
	provisionsDir        = "provisions"
	virtualParametersDir = "virtual_parameters"
	presetsFile          = "presets.yaml"
	filesFile            = "files.yaml"
	configFile           = "config.yaml"
	scriptExt            = ".js"

	// configFilesBaseURL prefixes file names that have no explicit URL.
	configFilesBaseURL = "files.base_url"
)

// Preset attaches provisions to devices whose session matches.
type Preset struct {
	Name    string
	Channel string
	Weight  int
	// Events maps an Inform event code to whether it must be present
	// (true) or absent (false).
	Events map[string]bool
	// Precondition maps a parameter path to the value it must hold.
	Precondition map[string]any
	Schedule     *Schedule
	Provisions   []session.Provision
}

// Schedule restricts a preset to windows of Duration after each cron
// activation.
type Schedule struct {
	Cron     *scheduling.Schedule
	Duration time.Duration
}

// File is a downloadable file.
type File struct {
	URL      string `yaml:"url"`
	Size     int64  `yaml:"size"`
	FileType string `yaml:"file_type"`
}

// Snapshot is one immutable version of the configuration. It implements
// session.Snapshot.
type Snapshot struct {
	key               string
	loadedAt          time.Time
	provisions        map[string]string
	virtualParameters map[string]string
	presets           []Preset
	files             map[string]File
	config            map[string]any
}

var _ session.Snapshot = (*Snapshot)(nil)

// Key returns the content hash identifying the snapshot.
func (s *Snapshot) Key() string { return s.key }

// LoadedAt returns when the snapshot was read.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Provision returns the source of a provision script.
func (s *Snapshot) Provision(name string) (string, bool) {
	src, ok := s.provisions[name]
	return src, ok
}

// ProvisionNames lists the provision scripts, sorted.
func (s *Snapshot) ProvisionNames() []string {
	return sortedKeys(s.provisions)
}

// VirtualParameter returns the source of a virtual parameter script.
func (s *Snapshot) VirtualParameter(name string) (string, bool) {
	src, ok := s.virtualParameters[name]
	return src, ok
}

// VirtualParameterNames lists the virtual parameters, sorted.
func (s *Snapshot) VirtualParameterNames() []string {
	return sortedKeys(s.virtualParameters)
}

// Presets returns the presets ordered by weight, then name.
func (s *Snapshot) Presets() []Preset { return s.presets }

// File returns a downloadable file.
func (s *Snapshot) File(name string) (File, bool) {
	f, ok := s.files[name]
	return f, ok
}

// FileURL returns where a device downloads name from and its size. Files
// without an explicit URL are served from the files.base_url config key.
func (s *Snapshot) FileURL(name string) (string, int64) {
	f := s.files[name]
	if f.URL != "" {
		return f.URL, f.Size
	}
	base, _ := s.config[configFilesBaseURL].(string)
	if base == "" {
		return "", f.Size
	}
	return strings.TrimSuffix(base, "/") + "/" + name, f.Size
}

// Config returns a config key.
func (s *Snapshot) Config(key string) (any, bool) {
	v, ok := s.config[key]
	return v, ok
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ─── Loading ────────────────────────────────────────────────────────

type presetYAML struct {
	Name         string          `yaml:"name"`
	Channel      string          `yaml:"channel"`
	Weight       int             `yaml:"weight"`
	Events       map[string]bool `yaml:"events"`
	Precondition map[string]any  `yaml:"precondition"`
	Schedule     *struct {
		Cron     string        `yaml:"cron"`
		Duration time.Duration `yaml:"duration"`
	} `yaml:"schedule"`
	Provisions [][]any `yaml:"provisions"`
}

// loadSnapshot reads dir. Every file that contributes is fed into the
// content hash in a fixed order, so identical trees produce identical
// keys.
func loadSnapshot(dir string, now time.Time) (*Snapshot, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("reading config directory: %w", err)
	}
	s := &Snapshot{
		loadedAt: now,
		files:    make(map[string]File),
		config:   make(map[string]any),
	}
	h := blake3.New()
	feed := func(name string, data []byte) {
		h.Write([]byte(name)) //nolint:errcheck // hash writes do not fail
		h.Write([]byte{0})    //nolint:errcheck // hash writes do not fail
		h.Write(data)         //nolint:errcheck // hash writes do not fail
		h.Write([]byte{0})    //nolint:errcheck // hash writes do not fail
	}

	var err error
	if s.provisions, err = loadScripts(dir, provisionsDir, feed); err != nil {
		return nil, err
	}
	if s.virtualParameters, err = loadScripts(dir, virtualParametersDir, feed); err != nil {
		return nil, err
	}

	var presets struct {
		Presets []presetYAML `yaml:"presets"`
	}
	if err := loadYAML(dir, presetsFile, &presets, feed); err != nil {
		return nil, err
	}
	if s.presets, err = buildPresets(presets.Presets); err != nil {
		return nil, err
	}

	var files struct {
		Files map[string]File `yaml:"files"`
	}
	if err := loadYAML(dir, filesFile, &files, feed); err != nil {
		return nil, err
	}
	if files.Files != nil {
		s.files = files.Files
	}
	if err := loadYAML(dir, configFile, &s.config, feed); err != nil {
		return nil, err
	}
	if s.config == nil {
		s.config = make(map[string]any)
	}

	sum := h.Sum(nil)
	s.key = hex.EncodeToString(sum[:12])
	return s, nil
}

func loadScripts(dir, sub string, feed func(string, []byte)) (map[string]string, error) {
	scripts := make(map[string]string)
	entries, err := os.ReadDir(filepath.Join(dir, sub))
	if errors.Is(err, fs.ErrNotExist) {
		return scripts, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", sub, err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != scriptExt {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, sub, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %s/%s: %w", sub, e.Name(), err)
		}
		feed(sub+"/"+e.Name(), data)
		scripts[strings.TrimSuffix(e.Name(), scriptExt)] = string(data)
	}
	return scripts, nil
}

func loadYAML(dir, name string, out any, feed func(string, []byte)) error {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", name, err)
	}
	feed(name, data)
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing %s: %w", name, err)
	}
	return nil
}

func buildPresets(in []presetYAML) ([]Preset, error) {
	out := make([]Preset, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, p := range in {
		if p.Name == "" {
			return nil, fmt.Errorf("%w: preset without a name", ErrInvalidPreset)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("%w: duplicate preset %q", ErrInvalidPreset, p.Name)
		}
		seen[p.Name] = true

		preset := Preset{
			Name:         p.Name,
			Channel:      p.Channel,
			Weight:       p.Weight,
			Events:       p.Events,
			Precondition: p.Precondition,
		}
		if preset.Channel == "" {
			preset.Channel = "default"
		}
		if p.Schedule != nil {
			sched, err := scheduling.ParseCron(p.Schedule.Cron)
			if err != nil {
				return nil, fmt.Errorf("%w: preset %q: %v", ErrInvalidPreset, p.Name, err)
			}
			preset.Schedule = &Schedule{Cron: sched, Duration: p.Schedule.Duration}
		}
		for _, call := range p.Provisions {
			if len(call) == 0 {
				return nil, fmt.Errorf("%w: preset %q: empty provision", ErrInvalidPreset, p.Name)
			}
			name, ok := call[0].(string)
			if !ok || name == "" {
				return nil, fmt.Errorf("%w: preset %q: provision name must be a string", ErrInvalidPreset, p.Name)
			}
			prov := session.Provision{Name: name}
			if len(call) > 1 {
				prov.Args = call[1:]
			}
			preset.Provisions = append(preset.Provisions, prov)
		}
		out = append(out, preset)
	}
	slices.SortStableFunc(out, func(a, b Preset) int {
		if a.Weight != b.Weight {
			return a.Weight - b.Weight
		}
		return strings.Compare(a.Name, b.Name)
	})
	return out, nil
}
