package manifest

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Manifest 是部署发布的版本描述文件：version 是唯一的更新信号，
// fileList 列出需要预缓存的资源，lazyLoad 列出按需缓存的 URL 正则。
type Manifest struct {
	Version  VersionToken `json:"version"`
	FileList []string     `json:"fileList"`
	LazyLoad []string     `json:"lazyLoad"`
}

// VersionToken 保存 version 字段的规范化文本。原始值可以是 JSON 字符串或
// 数字，两者都归一为字面文本；版本之间只比较相等性，不假设任何顺序。
type VersionToken string

// UnmarshalJSON 接受字符串与数字两种写法。
func (v *VersionToken) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "" || raw == "null" {
		return fmt.Errorf("version must not be empty")
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("version must not be empty")
		}
		*v = VersionToken(s)
		return nil
	}

	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("version must be a string or number: %w", err)
	}
	*v = VersionToken(num.String())
	return nil
}

func (v VersionToken) String() string {
	return string(v)
}

// Parse 解析清单正文，fileList/lazyLoad 缺省时视为空列表。
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m.Version == "" {
		return nil, fmt.Errorf("version field missing")
	}
	if m.FileList == nil {
		m.FileList = []string{}
	}
	if m.LazyLoad == nil {
		m.LazyLoad = []string{}
	}
	return &m, nil
}
