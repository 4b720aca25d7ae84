package update

import (
	"net/url"
	"strings"

	"github.com/offgate/offgate/internal/clients"
)

// DetectEntryDocument 从打开的浏览上下文中推断入口文档。
//
// 取第一个相对部署根非空且不等于根路径的客户端 URL；纯查询串（客户端
// 停在根路径但带参数）补上其路径前缀，保证以正确的键落盘。没有合格的
// 客户端时返回空串，此时仅根路径入列即可。
func DetectEntryDocument(scope string, list []clients.Client) string {
	for _, client := range list {
		parsed, err := url.Parse(client.URL)
		if err != nil {
			continue
		}
		if !strings.HasPrefix(parsed.Path, scope) {
			continue
		}

		candidate := strings.TrimPrefix(parsed.Path, scope)
		if parsed.RawQuery != "" {
			candidate += "?" + parsed.RawQuery
		}
		if candidate == "" || candidate == "/" {
			continue
		}
		if strings.HasPrefix(candidate, "?") {
			candidate = parsed.Path + candidate
		}
		return candidate
	}
	return ""
}
