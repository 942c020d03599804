// Package storage persists the known-device ledger and the durable
// event archive.
package storage

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/martinsuchenak/usbtrackd/internal/log"
	"github.com/martinsuchenak/usbtrackd/internal/model"
)

// LedgerStore loads and saves the ledger as a single document.
type LedgerStore interface {
	Load() (*model.Ledger, error)
	Save(l *model.Ledger) error
}

// FileLedgerStore keeps the ledger in one JSON file. Saves go through a
// temp file and rename so a crash mid-write cannot corrupt the document.
type FileLedgerStore struct {
	path string
}

// NewFileLedgerStore creates the data directory if needed and returns a
// store writing to <dataDir>/ledger.json.
func NewFileLedgerStore(dataDir string) (*FileLedgerStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	return &FileLedgerStore{path: filepath.Join(dataDir, "ledger.json")}, nil
}

// Load reads the ledger document. A missing or unreadable file yields an
// empty ledger, never an error: history loss beats refusing to start.
func (fs *FileLedgerStore) Load() (*model.Ledger, error) {
	f, err := os.Open(fs.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("Ledger unreadable, starting empty", "path", fs.path, "error", err)
		}
		return model.NewLedger(), nil
	}
	defer f.Close()

	l := model.NewLedger()
	if err := loadJSON(f, l); err != nil {
		log.Warn("Ledger corrupt, starting empty", "path", fs.path, "error", err)
		return model.NewLedger(), nil
	}
	if l.Devices == nil {
		l.Devices = make(map[string]model.KnownDevice)
	}
	l.Version = model.LedgerVersion
	return l, nil
}

// Save writes the whole document atomically.
func (fs *FileLedgerStore) Save(l *model.Ledger) error {
	tmp, err := os.CreateTemp(filepath.Dir(fs.path), "ledger-*.json")
	if err != nil {
		return fmt.Errorf("creating temp ledger: %w", err)
	}

	if err := saveJSON(tmp, l); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("encoding ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing temp ledger: %w", err)
	}

	if err := os.Rename(tmp.Name(), fs.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing ledger: %w", err)
	}
	return nil
}

func saveJSON(w io.Writer, data interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func loadJSON(r io.Reader, data interface{}) error {
	return json.NewDecoder(r).Decode(data)
}
