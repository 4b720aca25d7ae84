package snapshot

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	snapshotMetaFile = ".snapshot.json"
	stagePrefix      = ".stage-"
	bodySuffix       = ".body"
	metaSuffix       = ".meta.json"
)

// NewStore 以 basePath 为根目录构建磁盘快照存储，整站复用一份实例。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
		now:      time.Now,
	}, nil
}

// fileStore 通过 entryLock 避免同一条目并发写入，同时复用 basePath。
type fileStore struct {
	basePath string
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type entryMeta struct {
	Status int                 `json:"status"`
	Header map[string][]string `json:"header,omitempty"`
}

func (s *fileStore) List(ctx context.Context) ([]Info, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	dirs, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}

	var infos []Info
	for _, dir := range dirs {
		if !dir.IsDir() || strings.HasPrefix(dir.Name(), ".") {
			continue
		}
		meta, err := s.readSnapshotMeta(dir.Name())
		if err != nil {
			// 缺少元信息的目录视为未完成提交，不纳入注册表。
			continue
		}
		infos = append(infos, meta)
	}

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].Name < infos[j].Name
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos, nil
}

func (s *fileStore) Exists(ctx context.Context, name string) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}

	if _, err := s.readSnapshotMeta(name); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *fileStore) Delete(ctx context.Context, name string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	dir, err := s.snapshotDir(name)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) Get(ctx context.Context, name string, key Key) (*ReadResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if ok, err := s.Exists(ctx, name); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrSnapshotMissing
	}

	bodyPath, metaPath, err := s.entryPaths(name, key)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	f, err := os.Open(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	entry := Entry{
		Key:       key,
		Status:    http.StatusOK,
		SizeBytes: info.Size(),
	}
	if meta, err := readEntryMeta(metaPath); err == nil {
		entry.Status = meta.Status
		entry.Header = http.Header(meta.Header)
	}

	return &ReadResult{
		Entry:  entry,
		Reader: f,
	}, nil
}

func (s *fileStore) Put(ctx context.Context, name string, key Key, captured *Captured) (*Entry, error) {
	if ok, err := s.Exists(ctx, name); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrSnapshotMissing
	}

	dir, err := s.snapshotDir(name)
	if err != nil {
		return nil, err
	}

	unlock := s.lockEntry(name, key)
	defer unlock()

	return writeEntry(ctx, dir, key, captured)
}

func (s *fileStore) Stage(ctx context.Context, name string) (Staging, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if _, err := s.snapshotDir(name); err != nil {
		return nil, err
	}

	stageDir := filepath.Join(s.basePath, stagePrefix+uuid.NewString())
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return nil, err
	}

	return &fsStaging{
		store:    s,
		name:     name,
		stageDir: stageDir,
	}, nil
}

// fsStaging 在隐藏的暂存目录中累积条目，Commit 时写入快照元信息并
// rename 到最终位置，保证提交前注册表完全看不到它。
type fsStaging struct {
	store    *fileStore
	name     string
	stageDir string
	done     bool
}

func (st *fsStaging) Put(ctx context.Context, key Key, captured *Captured) error {
	if st.done {
		return errors.New("staging already finished")
	}
	_, err := writeEntry(ctx, st.stageDir, key, captured)
	return err
}

func (st *fsStaging) Commit(ctx context.Context) error {
	if st.done {
		return errors.New("staging already finished")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	meta := Info{
		Name:      st.name,
		CreatedAt: st.store.now().UTC(),
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(st.stageDir, snapshotMetaFile), data, 0o644); err != nil {
		return err
	}

	final, err := st.store.snapshotDir(st.name)
	if err != nil {
		return err
	}

	// 同名快照已存在时视为重复构建，丢弃暂存内容即可。
	if _, statErr := os.Stat(final); statErr == nil {
		st.done = true
		return os.RemoveAll(st.stageDir)
	}

	if err := os.Rename(st.stageDir, final); err != nil {
		return err
	}
	st.done = true
	return nil
}

func (st *fsStaging) Discard() error {
	if st.done {
		return nil
	}
	st.done = true
	return os.RemoveAll(st.stageDir)
}

func writeEntry(ctx context.Context, dir string, key Key, captured *Captured) (*Entry, error) {
	if captured == nil {
		return nil, errors.New("captured response required")
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	rel := entryRelPath(key)
	bodyPath := filepath.Join(dir, filepath.FromSlash(rel)+bodySuffix)
	metaPath := filepath.Join(dir, filepath.FromSlash(rel)+metaSuffix)
	if !strings.HasPrefix(bodyPath, dir) {
		return nil, errors.New("invalid entry path")
	}

	if err := os.MkdirAll(filepath.Dir(bodyPath), 0o755); err != nil {
		return nil, err
	}

	if err := writeFileAtomic(bodyPath, captured.Body); err != nil {
		return nil, err
	}

	meta := entryMeta{
		Status: captured.Status,
		Header: captured.Header,
	}
	metaData, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(metaPath, metaData); err != nil {
		return nil, err
	}

	return &Entry{
		Key:       key,
		Status:    captured.Status,
		Header:    captured.Header,
		SizeBytes: int64(len(captured.Body)),
	}, nil
}

func writeFileAtomic(target string, data []byte) error {
	tempFile, err := os.CreateTemp(filepath.Dir(target), ".entry-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func readEntryMeta(path string) (*entryMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var meta entryMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	if meta.Status == 0 {
		meta.Status = http.StatusOK
	}
	return &meta, nil
}

// entryPaths 解析条目在已提交快照目录中的正文与元信息落盘路径。
func (s *fileStore) entryPaths(name string, key Key) (string, string, error) {
	dir, err := s.snapshotDir(name)
	if err != nil {
		return "", "", err
	}
	rel := filepath.FromSlash(entryRelPath(key))
	return filepath.Join(dir, rel+bodySuffix), filepath.Join(dir, rel+metaSuffix), nil
}

func (s *fileStore) readSnapshotMeta(name string) (Info, error) {
	dir, err := s.snapshotDir(name)
	if err != nil {
		return Info{}, err
	}
	data, err := os.ReadFile(filepath.Join(dir, snapshotMetaFile))
	if err != nil {
		return Info{}, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, err
	}
	if info.Name == "" {
		info.Name = name
	}
	return info, nil
}

func (s *fileStore) snapshotDir(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.HasPrefix(name, ".") ||
		strings.ContainsAny(name, "/\\") {
		return "", fmt.Errorf("invalid snapshot name: %q", name)
	}
	return filepath.Join(s.basePath, name), nil
}

func (s *fileStore) lockEntry(name string, key Key) func() {
	lockKey := name + "::" + key.Path + "?" + key.RawQuery
	s.mu.Lock()
	lock := s.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		s.locks[lockKey] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, lockKey)
		}
		s.mu.Unlock()
	}
}

// entryRelPath 把请求标识映射为快照内的相对路径。带查询串的请求以
// path + /__qs/<sha1(query)> 落盘，保证同路径不同参数互不覆盖。
func entryRelPath(key Key) string {
	rel := key.Path
	if rel == "" || rel == "/" {
		rel = "root"
	}
	rel = path.Clean("/" + rel)
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		rel = "root"
	}

	if key.RawQuery != "" {
		sum := sha1.Sum([]byte(key.RawQuery))
		rel = fmt.Sprintf("%s/__qs/%s", rel, hex.EncodeToString(sum[:]))
	}
	return rel
}
