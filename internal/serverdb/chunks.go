package serverdb

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/marcus/callsync/internal/keymutex"
)

// URLPrefix is the path under which finalized recordings are served.
const URLPrefix = "/recordings/"

// ChunkStore stages uploaded chunks on disk and assembles them into the
// final recording.
//
// Layout under root:
//
//	tmp_chunks/<unique_id>/<index>      staged chunk
//	files/<org>/<user>/YYYY_MM/YYYYMMDD/<caller>_<HHMMSS>_<duration>s.<ext>
type ChunkStore struct {
	db    *ServerDB
	root  string
	locks *keymutex.Map
}

// NewChunkStore creates the staging and recording directories under root.
func NewChunkStore(sdb *ServerDB, root string) (*ChunkStore, error) {
	for _, d := range []string{filepath.Join(root, "tmp_chunks"), filepath.Join(root, "files")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", d, err)
		}
	}
	return &ChunkStore{db: sdb, root: root, locks: keymutex.New()}, nil
}

// FilesDir is the directory finalized recordings are written to.
func (s *ChunkStore) FilesDir() string {
	return filepath.Join(s.root, "files")
}

func (s *ChunkStore) stagingDir(uniqueID string) string {
	return filepath.Join(s.root, "tmp_chunks", safeSegment(uniqueID))
}

// SaveChunk stores chunk index of the call's recording, replacing any earlier
// copy of the same index. When the call needs no recording, or it is already
// finalized, nothing is written and UploadCompleted is returned.
func (s *ChunkStore) SaveChunk(orgID, userID, uniqueID string, index, total int, r io.Reader) (string, error) {
	if index < 0 || (total > 0 && index >= total) {
		return "", fmt.Errorf("chunk index %d out of range: %w", index, ErrInvalid)
	}
	unlock := s.locks.Lock(uniqueID)
	defer unlock()

	c, err := s.ownedCall(orgID, userID, uniqueID)
	if err != nil {
		return "", err
	}
	if c.UploadStatus == UploadCompleted {
		return UploadCompleted, nil
	}

	dir := s.stagingDir(uniqueID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, strconv.Itoa(index)), r); err != nil {
		return "", fmt.Errorf("write chunk %d: %w", index, err)
	}

	if c.UploadStatus != UploadUploading {
		if err := s.setUploadStatus(uniqueID, UploadUploading, ""); err != nil {
			return "", err
		}
	}
	return UploadUploading, nil
}

// Finalize concatenates chunks [0, total) into the recording file, removes
// the staging directory and marks the call completed. A gap fails with
// ErrMissingChunk and leaves the staged chunks in place. Finalizing an
// already completed call returns its existing URL.
func (s *ChunkStore) Finalize(orgID, userID, uniqueID string, total int, ext string) (string, error) {
	if total <= 0 {
		return "", fmt.Errorf("total_chunks must be positive: %w", ErrInvalid)
	}
	unlock := s.locks.Lock(uniqueID)
	defer unlock()

	c, err := s.ownedCall(orgID, userID, uniqueID)
	if err != nil {
		return "", err
	}
	if c.UploadStatus == UploadCompleted {
		return c.RecordingURL, nil
	}

	dir := s.stagingDir(uniqueID)
	for i := 0; i < total; i++ {
		if _, err := os.Stat(filepath.Join(dir, strconv.Itoa(i))); err != nil {
			return "", fmt.Errorf("%w %d", ErrMissingChunk, i)
		}
	}

	rel := recordingPath(c, ext)
	dst := filepath.Join(s.FilesDir(), filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create recording dir: %w", err)
	}
	if err := concatChunks(dir, total, dst); err != nil {
		return "", fmt.Errorf("assemble recording: %w", err)
	}

	url := URLPrefix + rel
	if err := s.setUploadStatus(uniqueID, UploadCompleted, url); err != nil {
		return "", err
	}
	os.RemoveAll(dir)
	return url, nil
}

// Open opens a finalized recording by its path relative to FilesDir.
func (s *ChunkStore) Open(rel string) (*os.File, error) {
	clean := filepath.Clean("/" + rel)
	return os.Open(filepath.Join(s.FilesDir(), filepath.FromSlash(clean)))
}

func (s *ChunkStore) ownedCall(orgID, userID, uniqueID string) (*Call, error) {
	c, err := s.db.GetCall(uniqueID)
	if err != nil {
		return nil, err
	}
	if c.OrgID != orgID || c.UserID != userID {
		return nil, fmt.Errorf("call %s: %w", uniqueID, ErrNotFound)
	}
	return c, nil
}

// setUploadStatus changes recording state without touching updated_at;
// upload progress is not an edit the devices need to pull.
func (s *ChunkStore) setUploadStatus(uniqueID, status, url string) error {
	return s.db.write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE calls SET upload_status = ?, recording_url = ? WHERE unique_id = ?`,
			status, url, uniqueID)
		return err
	})
}

// recordingPath builds org/user/YYYY_MM/YYYYMMDD/<caller>_<HHMMSS>_<duration>s.<ext>.
func recordingPath(c *Call, ext string) string {
	t := time.UnixMilli(c.CallTime).UTC()
	caller := digitsOnly(c.CallerNumber)
	if caller == "" {
		caller = "unknown"
	}
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if ext == "" || strings.IndexFunc(ext, func(r rune) bool { return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9') }) >= 0 {
		ext = "mp3"
	}
	return strings.Join([]string{
		safeSegment(c.OrgID),
		safeSegment(c.UserID),
		t.Format("2006_01"),
		t.Format("20060102"),
		fmt.Sprintf("%s_%s_%ds.%s", caller, t.Format("150405"), c.Duration, ext),
	}, "/")
}

func concatChunks(dir string, total int, dst string) error {
	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	for i := 0; i < total; i++ {
		in, err := os.Open(filepath.Join(dir, strconv.Itoa(i)))
		if err != nil {
			out.Close()
			os.Remove(tmp)
			return err
		}
		_, err = io.Copy(out, in)
		in.Close()
		if err != nil {
			out.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func writeFileAtomic(path string, r io.Reader) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// safeSegment makes s usable as a single path element.
func safeSegment(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, s)
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

// PruneStaging removes staging directories untouched for longer than maxAge,
// left behind by uploads that were never finalized.
func (s *ChunkStore) PruneStaging(maxAge time.Duration) (int, error) {
	base := filepath.Join(s.root, "tmp_chunks")
	entries, err := os.ReadDir(base)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	n := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || !e.IsDir() || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(base, e.Name())); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
