package scale

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Settings are the serial parameters and calibration for one scale endpoint.
// They are configuration, not protocol state: a session reads them once at
// connect time, so edits never disturb an open session.
type Settings struct {
	BaudRate   int     `json:"baudRate" yaml:"baud_rate"`
	DataBits   int     `json:"dataBits" yaml:"data_bits"`
	StopBits   int     `json:"stopBits" yaml:"stop_bits"`
	Parity     string  `json:"parity" yaml:"parity"` // "none", "even", "odd"
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`
}

// DefaultSettings matches the most common counter scales (9600 8N1).
func DefaultSettings() Settings {
	return Settings{
		BaudRate:   9600,
		DataBits:   8,
		StopBits:   1,
		Parity:     "none",
		Multiplier: 1,
	}
}

// Validate rejects parameter combinations the transport cannot open.
func (s Settings) Validate() error {
	if s.BaudRate <= 0 {
		return fmt.Errorf("settings: invalid baud rate %d", s.BaudRate)
	}
	if s.DataBits != 7 && s.DataBits != 8 {
		return fmt.Errorf("settings: data bits must be 7 or 8, got %d", s.DataBits)
	}
	if s.StopBits != 1 && s.StopBits != 2 {
		return fmt.Errorf("settings: stop bits must be 1 or 2, got %d", s.StopBits)
	}
	switch s.Parity {
	case "none", "even", "odd":
	default:
		return fmt.Errorf("settings: parity must be none, even or odd, got %q", s.Parity)
	}
	return nil
}

// Mode builds the serial transport mode for these settings.
func (s Settings) Mode() (*serial.Mode, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	mode := &serial.Mode{
		BaudRate: s.BaudRate,
		DataBits: s.DataBits,
	}
	switch s.StopBits {
	case 1:
		mode.StopBits = serial.OneStopBit
	case 2:
		mode.StopBits = serial.TwoStopBits
	}
	switch s.Parity {
	case "none":
		mode.Parity = serial.NoParity
	case "even":
		mode.Parity = serial.EvenParity
	case "odd":
		mode.Parity = serial.OddParity
	}
	return mode, nil
}

// Merge applies a partial JSON update onto s and returns the result. Fields
// absent from the patch are preserved, nested or not, so a UI can PATCH just
// the multiplier.
func (s Settings) Merge(patch []byte) (Settings, error) {
	currentBytes, err := json.Marshal(s)
	if err != nil {
		return s, fmt.Errorf("marshal current settings: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return s, fmt.Errorf("unmarshal current settings: %w", err)
	}

	var p map[string]interface{}
	if err := json.Unmarshal(patch, &p); err != nil {
		return s, fmt.Errorf("unmarshal patch: %w", err)
	}
	deepMerge(base, p)

	merged, err := json.Marshal(base)
	if err != nil {
		return s, fmt.Errorf("marshal merged settings: %w", err)
	}
	var out Settings
	if err := json.Unmarshal(merged, &out); err != nil {
		return s, err
	}
	if err := out.Validate(); err != nil {
		return s, err
	}
	return out, nil
}

// deepMerge recursively merges src into dst. Nested maps merge; everything
// else overwrites.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}

// SettingsStore persists the settings blob keyed by a stable identifier.
// The storage mechanism is the host's concern; the session only needs
// get/set of the blob.
type SettingsStore interface {
	Get(key string) ([]byte, error)
	Put(key string, blob []byte) error
}

// FileSettingsStore keeps each blob as <dir>/<key>.json with atomic writes.
type FileSettingsStore struct {
	dir string
}

func NewFileSettingsStore(dir string) *FileSettingsStore {
	return &FileSettingsStore{dir: dir}
}

func (s *FileSettingsStore) Get(key string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.dir, key+".json"))
}

func (s *FileSettingsStore) Put(key string, blob []byte) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(s.dir, key+".json")
	tmp := fmt.Sprintf("%s.tmp-%d", path, time.Now().UnixNano())
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// MemSettingsStore is an in-memory store for tests and standalone runs.
type MemSettingsStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func NewMemSettingsStore() *MemSettingsStore {
	return &MemSettingsStore{blobs: make(map[string][]byte)}
}

func (s *MemSettingsStore) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.blobs[key]
	if !ok {
		return nil, os.ErrNotExist
	}
	return blob, nil
}

func (s *MemSettingsStore) Put(key string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = append([]byte(nil), blob...)
	return nil
}
