package snapshot

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// Store 负责管理快照的磁盘读写。磁盘布局遵循：
//
//	<StoragePath>/<SnapshotName>/.snapshot.json   # 快照元信息（创建时间）
//	<StoragePath>/<SnapshotName>/<path>.body      # 捕获的响应正文
//	<StoragePath>/<SnapshotName>/<path>.meta.json # 响应状态码与头部
//
// 快照只有在 Staging.Commit 完成后才对 List 可见；提交前的内容位于
// 临时目录中，对注册表不可见。
type Store interface {
	// List 返回全部已提交快照，按创建时间从旧到新排序。
	List(ctx context.Context) ([]Info, error)

	// Exists 判断指定名称的快照是否已提交。
	Exists(ctx context.Context, name string) (bool, error)

	// Delete 删除整个快照目录。快照不存在时不视为错误。
	Delete(ctx context.Context, name string) error

	// Get 返回快照内一个可流式读取的条目。若条目不存在则返回 ErrNotFound，
	// 快照本身不存在返回 ErrSnapshotMissing。
	Get(ctx context.Context, name string, key Key) (*ReadResult, error)

	// Put 向已提交的快照追加一个条目，供按需缓存使用。实现需通过
	// 临时文件 + rename 保证单条目写入原子性。
	Put(ctx context.Context, name string, key Key, captured *Captured) (*Entry, error)

	// Stage 打开一个尚不可见的暂存快照，由 Cache Builder 填充后一次性提交。
	Stage(ctx context.Context, name string) (Staging, error)
}

// Staging 是一次快照构建事务：要么 Commit 后整体可见，要么 Discard 后
// 不留痕迹。Commit 之后句柄不可再用。
type Staging interface {
	Put(ctx context.Context, key Key, captured *Captured) error
	Commit(ctx context.Context) error
	Discard() error
}

// Key 唯一定位快照内的一个条目，等价于 GET 请求的 path + query。
type Key struct {
	Path     string
	RawQuery string
}

// Captured 是一次被捕获的上游响应。
type Captured struct {
	Status int
	Header http.Header
	Body   []byte
}

// Entry 描述快照内的一个条目及其响应元信息。
type Entry struct {
	Key       Key
	Status    int
	Header    http.Header
	SizeBytes int64
}

// ReadResult 组合 Entry 与正文 Reader，便于分发层直接将 Body 流式返回。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

// Info 描述一个已提交的快照。
type Info struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

var (
	// ErrNotFound 表示快照内不存在该条目。
	ErrNotFound = errors.New("snapshot entry not found")
	// ErrSnapshotMissing 表示目标快照不存在或尚未提交。
	ErrSnapshotMissing = errors.New("snapshot not found")
)
