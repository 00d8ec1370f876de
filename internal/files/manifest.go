package files

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/harrylevesque/qrdrop/internal/collector"
	"github.com/harrylevesque/qrdrop/internal/utils"
)

const (
	manifestFileName = "manifest.json"
)

// Record represents one received file
type Record struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	FileName  string    `json:"file_name"`
	Location  string    `json:"location"`
	Size      int64     `json:"size"`
	Digest    string    `json:"digest"`
	CreatedAt time.Time `json:"created_at"`
}

// Manifest keeps a JSON list of received files next to them. It observes the
// collector and appends a record on every delivery.
type Manifest struct {
	collector.BaseReporter

	filePath string
	log      *utils.Logger
	mu       sync.RWMutex
}

// NewManifest creates a manifest stored in dir
func NewManifest(dir string, log *utils.Logger) *Manifest {
	if log == nil {
		log = utils.NewNopLogger()
	}
	return &Manifest{
		filePath: filepath.Join(dir, manifestFileName),
		log:      log,
	}
}

// Path returns the manifest file location
func (m *Manifest) Path() string {
	return m.filePath
}

// Append adds a record to the manifest
func (m *Manifest) Append(rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs, err := m.read()
	if err != nil {
		return err
	}

	rec.ID = uuid.NewString()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	recs = append(recs, *rec)

	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(m.filePath, data, 0644); err != nil {
		return utils.Wrap(utils.CodeIO, "failed to write manifest", err)
	}
	return nil
}

// GetAll retrieves all records; a missing manifest is empty
func (m *Manifest) GetAll() ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read()
}

// Clear removes the manifest file
func (m *Manifest) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(m.filePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (m *Manifest) read() ([]Record, error) {
	data, err := os.ReadFile(m.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // File doesn't exist, that's fine
		}
		return nil, utils.Wrap(utils.CodeIO, "failed to read manifest", err)
	}
	var recs []Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, utils.Wrap(utils.CodeIO, "corrupt manifest", err)
	}
	return recs, nil
}

// OnComplete records a delivery reported by the collector
func (m *Manifest) OnComplete(d collector.Delivery) {
	err := m.Append(&Record{
		SessionID: d.SessionID,
		FileName:  d.FileName,
		Location:  d.Location,
		Size:      d.Size,
		Digest:    d.Digest,
	})
	if err != nil {
		m.log.Error("Failed to update manifest", zap.Error(err))
	}
}
