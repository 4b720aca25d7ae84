package manifest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/google/uuid"
)

// Error 表示清单获取或解析失败。清单是唯一的更新信号，任何失败都由调用方
// 记录日志后静默等待下一次触发，不会向用户暴露。
type Error struct {
	URL    string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("manifest fetch %s: unexpected status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("manifest fetch %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Fetcher 负责拉取并解析版本描述文件，每次都绕开任何中间 HTTP 缓存。
type Fetcher struct {
	client *http.Client
	url    *url.URL
}

// NewFetcher 构造 Fetcher，manifestURL 是清单的完整地址。
func NewFetcher(client *http.Client, manifestURL *url.URL) *Fetcher {
	return &Fetcher{
		client: client,
		url:    manifestURL,
	}
}

// Fetch 返回最新的 Manifest。清单绝不能被陈旧副本顶替，因此除 no-cache
// 头之外还附带一次性查询参数强制穿透中间缓存。
func (f *Fetcher) Fetch(ctx context.Context) (*Manifest, error) {
	target := *f.url
	query := target.Query()
	query.Set("__uncache", uuid.NewString())
	target.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, &Error{URL: f.url.String(), Err: err}
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &Error{URL: f.url.String(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{URL: f.url.String(), Status: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{URL: f.url.String(), Err: err}
	}

	m, err := Parse(body)
	if err != nil {
		return nil, &Error{URL: f.url.String(), Err: err}
	}
	return m, nil
}
