package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"ballot-ledger/models"
)

const chainFileTime = "20060102150405.000000000"

// ChainFiles persists snapshots of a hash-linked block chain as timestamped
// JSON files and keeps only the newest few.
type ChainFiles struct {
	dataDir string
	prefix  string
	keep    int
	mutex   sync.RWMutex
}

type chainFile struct {
	path      string
	timestamp time.Time
}

type chainFileList []chainFile

func (f chainFileList) Len() int           { return len(f) }
func (f chainFileList) Less(i, j int) bool { return f[i].timestamp.Before(f[j].timestamp) }
func (f chainFileList) Swap(i, j int)      { f[i], f[j] = f[j], f[i] }

func NewChainFiles(dataDir, prefix string, keep int) (*ChainFiles, error) {
	absPath, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if keep <= 0 {
		keep = 5
	}
	return &ChainFiles{
		dataDir: absPath,
		prefix:  prefix,
		keep:    keep,
	}, nil
}

func (s *ChainFiles) Dir() string {
	return s.dataDir
}

func (s *ChainFiles) list() (chainFileList, error) {
	files, err := filepath.Glob(filepath.Join(s.dataDir, s.prefix+"_*.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	var list chainFileList
	for _, file := range files {
		base := filepath.Base(file)
		stamp := strings.TrimSuffix(strings.TrimPrefix(base, s.prefix+"_"), ".json")
		ts, err := time.Parse(chainFileTime, stamp)
		if err != nil {
			log.Warnf("Invalid timestamp in chain file name %s: %v", base, err)
			continue
		}
		list = append(list, chainFile{path: file, timestamp: ts})
	}
	sort.Sort(list)
	return list, nil
}

// LoadLatest returns the newest snapshot, or nil when none exists.
func (s *ChainFiles) LoadLatest() ([]*models.Block, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	list, err := s.list()
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	latest := list[len(list)-1].path

	file, err := os.Open(latest)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", latest, err)
	}
	defer file.Close()

	var chain []*models.Block
	if err := json.NewDecoder(file).Decode(&chain); err != nil {
		return nil, fmt.Errorf("failed to decode chain from %s: %w", latest, err)
	}
	log.Debugf("Loaded chain with %d blocks from %s", len(chain), latest)
	return chain, nil
}

// Save writes a new snapshot through a temp file and prunes old ones.
func (s *ChainFiles) Save(chain []*models.Block) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if len(chain) == 0 {
		return fmt.Errorf("cannot save empty chain")
	}

	stamp := time.Now().UTC().Format(chainFileTime)
	filename := filepath.Join(s.dataDir, fmt.Sprintf("%s_%s.json", s.prefix, stamp))
	tmp := filename + ".tmp"

	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if err := json.NewEncoder(file).Encode(chain); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to encode chain: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmp, filename); err != nil {
		return fmt.Errorf("failed to move chain file into place: %w", err)
	}

	if err := s.cleanup(); err != nil {
		log.Warnf("Failed to clean up old chain files: %v", err)
	}
	log.Tracef("Saved chain with %d blocks to %s", len(chain), filename)
	return nil
}

func (s *ChainFiles) cleanup() error {
	list, err := s.list()
	if err != nil {
		return err
	}
	if len(list) <= s.keep {
		return nil
	}
	for i := 0; i < len(list)-s.keep; i++ {
		if err := os.Remove(list[i].path); err != nil {
			log.Warnf("Failed to remove old file %s: %v", list[i].path, err)
		}
	}
	return nil
}
