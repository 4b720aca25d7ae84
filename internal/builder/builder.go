// Package builder 实现清单驱动的快照构建：并发拉取整份文件列表，全部成功
// 后才提交为一个新的命名快照。
package builder

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/offgate/offgate/internal/server"
	"github.com/offgate/offgate/internal/snapshot"
)

// Phase 标记构建失败发生在哪个阶段。
type Phase string

const (
	// PhaseFetch 表示资源拉取阶段失败，快照从未被创建。
	PhaseFetch Phase = "fetch"
	// PhaseCommit 表示提交阶段失败，已写入的部分快照被整体删除。
	PhaseCommit Phase = "commit"
)

// BuildError 描述一次失败的快照构建，URLs 列出拉取失败的资源。
type BuildError struct {
	Phase    Phase
	Snapshot string
	URLs     []string
	Err      error
}

func (e *BuildError) Error() string {
	if len(e.URLs) > 0 {
		return fmt.Sprintf("build %s: %s failed for %s", e.Snapshot, e.Phase, strings.Join(e.URLs, ", "))
	}
	return fmt.Sprintf("build %s: %s failed: %v", e.Snapshot, e.Phase, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// fetchLimit 限制同时在途的资源请求数量。
const fetchLimit = 8

// Builder 为一个部署构建快照，所有请求都解析到部署根之下。
type Builder struct {
	client *http.Client
	store  snapshot.Store
	base   *url.URL
	logger *logrus.Logger
}

// New 构造 Builder。base 是 upstream 与 Scope 拼接后的部署根地址。
func New(client *http.Client, store snapshot.Store, base *url.URL, logger *logrus.Logger) *Builder {
	return &Builder{
		client: client,
		store:  store,
		base:   base,
		logger: logger,
	}
}

type fetched struct {
	key      snapshot.Key
	captured *snapshot.Captured
	url      string
	err      error
}

// Build 拉取 fileList 中的全部资源并提交为名为 name 的快照。
//
// bypass 为真时每个请求附带一次性查询参数与 no-cache 头，强制穿透中间
// 缓存；首次缓存时保持为假，允许复用页面加载已经拉过的响应。条目始终
// 以未加扰的原始请求标识落盘。
func (b *Builder) Build(ctx context.Context, name string, fileList []string, bypass bool) error {
	results := make([]fetched, len(fileList))

	group := new(errgroup.Group)
	group.SetLimit(fetchLimit)
	for i, file := range fileList {
		group.Go(func() error {
			results[i] = b.fetchOne(ctx, file, bypass)
			return nil
		})
	}
	_ = group.Wait()

	// 等全部请求尘埃落定后统一检查，保证错误里带上每个失败的 URL。
	var failed []string
	var firstErr error
	for _, result := range results {
		if result.err != nil {
			failed = append(failed, result.url)
			if firstErr == nil {
				firstErr = result.err
			}
		}
	}
	if len(failed) > 0 {
		return &BuildError{Phase: PhaseFetch, Snapshot: name, URLs: failed, Err: firstErr}
	}

	staging, err := b.store.Stage(ctx, name)
	if err != nil {
		return &BuildError{Phase: PhaseCommit, Snapshot: name, Err: err}
	}

	for _, result := range results {
		if err := staging.Put(ctx, result.key, result.captured); err != nil {
			b.discard(staging, name)
			return &BuildError{Phase: PhaseCommit, Snapshot: name, Err: err}
		}
	}
	if err := staging.Commit(ctx); err != nil {
		b.discard(staging, name)
		return &BuildError{Phase: PhaseCommit, Snapshot: name, Err: err}
	}
	return nil
}

func (b *Builder) fetchOne(ctx context.Context, file string, bypass bool) fetched {
	ref, err := url.Parse(file)
	if err != nil {
		return fetched{url: file, err: fmt.Errorf("invalid file entry: %w", err)}
	}
	resolved := b.base.ResolveReference(ref)

	key := snapshot.Key{
		Path:     resolved.Path,
		RawQuery: resolved.RawQuery,
	}

	target := *resolved
	if bypass {
		query := target.Query()
		query.Set("__uncache", uuid.NewString())
		target.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return fetched{url: target.String(), err: err}
	}
	if bypass {
		req.Header.Set("Cache-Control", "no-cache")
		req.Header.Set("Pragma", "no-cache")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fetched{url: target.String(), err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fetched{url: target.String(), err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fetched{url: target.String(), err: err}
	}

	header := http.Header{}
	server.CopyHeaders(header, resp.Header)
	header.Del("Content-Length")

	return fetched{
		key: key,
		captured: &snapshot.Captured{
			Status: resp.StatusCode,
			Header: header,
			Body:   body,
		},
		url: target.String(),
	}
}

func (b *Builder) discard(staging snapshot.Staging, name string) {
	if err := staging.Discard(); err != nil && b.logger != nil {
		b.logger.WithError(err).WithFields(logrus.Fields{
			"action":   "snapshot_build",
			"snapshot": name,
		}).Warn("staging_discard_failed")
	}
}
