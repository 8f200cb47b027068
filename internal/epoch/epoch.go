// Package epoch persists the local node's restart counter, the
// non-negative integer that identifies a "lifetime" of the node and backs
// every DisconnectID it emits.
package epoch

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"

	"golang.org/x/crypto/blake2b"

	"peersvc/internal/logging"
)

const fileName = "cluster_state"

// digestSize is the size of the blake2b-256 checksum guarding the epoch
// file against truncation or partial writes.
const digestSize = 32
const recordSize = 8 + digestSize

var errCorrupt = errors.New("epoch: checksum mismatch, treating file as absent")

// Store reads and writes <data_dir>/peer_service/cluster_state.
type Store struct {
	path string
}

// Open resolves the epoch file path under dataDir. An empty dataDir means
// persistence is disabled: Next always starts counting from 0 in memory
// and writes are skipped, matching a "partisan_data_dir unset" config.
func Open(dataDir string) (*Store, error) {
	if dataDir == "" {
		return &Store{}, nil
	}
	dir := filepath.Join(dataDir, "peer_service")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{path: filepath.Join(dir, fileName)}, nil
}

// Next reads the last persisted epoch (0 if absent or corrupt), increments
// it by one, writes the new value back, and returns it. Disk write
// failures are logged and non-fatal: the new epoch is still returned so
// the process can proceed, per §7.
func (s *Store) Next() uint64 {
	if s.path == "" {
		return 1
	}
	current, err := s.read()
	if err != nil {
		logging.Warn("epoch: %v", err)
		current = 0
	}
	next := current + 1
	if err := s.write(next); err != nil {
		logging.Warn("epoch: failed to persist epoch %d: %v", next, err)
	}
	return next
}

// Touch rewrites the current epoch to disk without incrementing it. Used
// defensively after active-view mutations, per §4.3 step 6.
func (s *Store) Touch(current uint64) {
	if s.path == "" {
		return
	}
	if err := s.write(current); err != nil {
		logging.Warn("epoch: failed to re-persist epoch %d: %v", current, err)
	}
}

func (s *Store) read() (uint64, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	if len(data) != recordSize {
		return 0, errCorrupt
	}
	value := data[:8]
	wantDigest := data[8:]
	gotDigest := blake2b.Sum256(value)
	if !constantTimeEqual(gotDigest[:], wantDigest) {
		return 0, errCorrupt
	}
	return binary.BigEndian.Uint64(value), nil
}

func (s *Store) write(value uint64) error {
	buf := make([]byte, recordSize)
	binary.BigEndian.PutUint64(buf[:8], value)
	digest := blake2b.Sum256(buf[:8])
	copy(buf[8:], digest[:])
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
