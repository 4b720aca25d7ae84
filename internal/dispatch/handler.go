// Package dispatch 实现请求分发器：部署范围内的请求优先由快照应答，
// 未命中时回源，并按持久化模式执行按需缓存。
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/offgate/offgate/internal/clients"
	"github.com/offgate/offgate/internal/lazypattern"
	"github.com/offgate/offgate/internal/logging"
	"github.com/offgate/offgate/internal/server"
	"github.com/offgate/offgate/internal/snapshot"
)

// cacheHitHeader 标记响应出自快照，方便排查离线行为。
const cacheHitHeader = "X-Offgate-Cache-Hit"

// UpdateTrigger 是分发器触发后台更新检查所需的最小接口。
type UpdateTrigger interface {
	Check(ctx context.Context) error
}

// Options 汇总分发器依赖的组件。
type Options struct {
	Store    snapshot.Store
	Registry *snapshot.Registry
	Patterns *lazypattern.Store
	Tracker  *clients.Tracker
	Trigger  UpdateTrigger
	Client   *http.Client
	Upstream *url.URL
	Scope    string
	Logger   *logrus.Logger
}

// Handler 按请求逐个决定应答来源。同一次请求内选定的快照即是唯一事实
// 来源，绝不混用两个版本的资源。
type Handler struct {
	store    snapshot.Store
	registry *snapshot.Registry
	patterns *lazypattern.Store
	tracker  *clients.Tracker
	trigger  UpdateTrigger
	client   *http.Client
	upstream *url.URL
	scope    string
	logger   *logrus.Logger
}

// New 构造 Handler。
func New(opts Options) *Handler {
	return &Handler{
		store:    opts.Store,
		registry: opts.Registry,
		patterns: opts.Patterns,
		tracker:  opts.Tracker,
		trigger:  opts.Trigger,
		client:   opts.Client,
		upstream: opts.Upstream,
		scope:    opts.Scope,
		logger:   opts.Logger,
	}
}

// proxyTarget 描述一次回源请求的按需缓存去向；snapshot 为空表示纯透传。
type proxyTarget struct {
	snapshot string
	key      snapshot.Key
	lazy     bool
}

// Handle 处理一个进入分发器的请求。
//
// 范围外的请求原样透传；范围内的 GET/HEAD 先查当前权威快照，未命中再
// 回源。导航请求在响应写出后异步触发一次更新检查，检查结果不影响本次
// 请求。
func (h *Handler) Handle(c fiber.Ctx) error {
	start := time.Now()
	path := c.Path()
	if !h.inScope(path) {
		return h.proxy(c, proxyTarget{})
	}

	nav := isNavigationRequest(c)
	if nav && h.trigger != nil {
		defer func() {
			go h.trigger.Check(context.Background())
		}()
	}

	if c.Method() != fiber.MethodGet && c.Method() != fiber.MethodHead {
		return h.proxy(c, proxyTarget{})
	}

	ctx := requestContext(c)
	name, err := h.registry.SelectForRequest(ctx, nav, h.tracker.Count())
	if err != nil {
		if !errors.Is(err, snapshot.ErrSnapshotMissing) && h.logger != nil {
			h.logger.WithError(err).WithField("action", "dispatch").Warn("snapshot_select_failed")
		}
		return h.proxy(c, proxyTarget{})
	}

	key := snapshot.Key{
		Path:     path,
		RawQuery: string(c.Request().URI().QueryString()),
	}

	result, err := h.store.Get(ctx, name, key)
	if err == nil {
		serveErr := h.serveHit(c, result)
		h.logRequest(c, name, nav, true, start)
		return serveErr
	}
	if !errors.Is(err, snapshot.ErrNotFound) && !errors.Is(err, snapshot.ErrSnapshotMissing) && h.logger != nil {
		h.logger.WithError(err).WithFields(logging.RequestFields(path, name, nav, false)).Warn("snapshot_read_failed")
	}

	proxyErr := h.proxy(c, proxyTarget{
		snapshot: name,
		key:      key,
		lazy:     c.Method() == fiber.MethodGet && h.matchLazy(key),
	})
	h.logRequest(c, name, nav, false, start)
	return proxyErr
}

// inScope 判断路径是否位于部署根之下；不带尾斜杠访问根路径同样在范围内。
func (h *Handler) inScope(path string) bool {
	return strings.HasPrefix(path, h.scope) || path+"/" == h.scope
}

func (h *Handler) matchLazy(key snapshot.Key) bool {
	if h.patterns == nil {
		return false
	}
	target := key.Path
	if key.RawQuery != "" {
		target += "?" + key.RawQuery
	}
	return h.patterns.Match(target)
}

// serveHit 将快照条目写回客户端，HEAD 请求只回元信息。
func (h *Handler) serveHit(c fiber.Ctx, result *snapshot.ReadResult) error {
	copyResponseHeaders(c, result.Entry.Header)
	if result.Entry.SizeBytes > 0 {
		c.Response().Header.SetContentLength(int(result.Entry.SizeBytes))
	}
	c.Set(cacheHitHeader, "true")
	c.Status(result.Entry.Status)

	if c.Method() == fiber.MethodHead {
		result.Reader.Close()
		return nil
	}

	_, err := io.Copy(c.Response().BodyWriter(), result.Reader)
	result.Reader.Close()
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("read snapshot failed: %v", err))
	}
	return nil
}

// proxy 把请求转发到上游。target.lazy 为真时正文同时分流进内存缓冲，
// 响应写完后尽力落盘；落盘失败只记日志，绝不影响响应本身。
func (h *Handler) proxy(c fiber.Ctx, target proxyTarget) error {
	ctx := requestContext(c)

	upstreamURL := *h.upstream
	upstreamURL.Path = c.Path()
	upstreamURL.RawQuery = string(c.Request().URI().QueryString())

	var body io.Reader
	if payload := c.Body(); len(payload) > 0 {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, c.Method(), upstreamURL.String(), body)
	if err != nil {
		return h.upstreamFailure(c, err)
	}
	c.Request().Header.VisitAll(func(key, value []byte) {
		name := string(key)
		if server.IsHopByHopHeader(name) || strings.EqualFold(name, "Host") {
			return
		}
		req.Header.Add(name, string(value))
	})

	resp, err := h.client.Do(req)
	if err != nil {
		return h.upstreamFailure(c, err)
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Status(resp.StatusCode)

	if c.Method() == fiber.MethodHead {
		return nil
	}

	lazy := target.lazy && resp.StatusCode >= 200 && resp.StatusCode < 300
	var capture bytes.Buffer
	var reader io.Reader = resp.Body
	if lazy {
		reader = io.TeeReader(resp.Body, &capture)
	}

	if _, err := io.Copy(c.Response().BodyWriter(), reader); err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}

	if lazy {
		stored := http.Header{}
		server.CopyHeaders(stored, resp.Header)
		stored.Del("Content-Length")
		if _, err := h.store.Put(ctx, target.snapshot, target.key, &snapshot.Captured{
			Status: resp.StatusCode,
			Header: stored,
			Body:   capture.Bytes(),
		}); err != nil && h.logger != nil {
			h.logger.WithError(err).WithFields(logrus.Fields{
				"action":   "lazy_cache",
				"snapshot": target.snapshot,
				"path":     target.key.Path,
			}).Warn("lazy_cache_failed")
		}
	}
	return nil
}

func (h *Handler) upstreamFailure(c fiber.Ctx, err error) error {
	if h.logger != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"action": "dispatch",
			"path":   c.Path(),
		}).Warn("upstream_request_failed")
	}
	return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "upstream_unreachable"})
}

func (h *Handler) logRequest(c fiber.Ctx, name string, nav, hit bool, start time.Time) {
	if h.logger == nil {
		return
	}
	fields := logging.RequestFields(c.Path(), name, nav, hit)
	fields["request_id"] = server.RequestID(c)
	fields["elapsed_ms"] = time.Since(start).Milliseconds()
	h.logger.WithFields(fields).Debug("request_dispatched")
}

// isNavigationRequest 识别顶层文档请求。现代浏览器带 Sec-Fetch-Mode，
// 缺失时退回 Accept 头启发式。
func isNavigationRequest(c fiber.Ctx) bool {
	if mode := c.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return strings.HasPrefix(c.Get("Accept"), "text/html")
}

func copyResponseHeaders(c fiber.Ctx, header http.Header) {
	for key, values := range header {
		if server.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
