// Package lazypattern 持久化按需缓存的 URL 正则列表。
//
// 列表在每次成功拉取清单后整体覆写，并在每个可能命中的请求上重新读取，
// 保证进程重启后模式立即生效，也避免内存里残留过期副本。
package lazypattern

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
)

// Store 基于 LevelDB 保存部署的 lazyLoad 列表，单 key 覆写。
type Store struct {
	db     *leveldb.DB
	key    []byte
	logger *logrus.Logger
}

// Open 打开（必要时创建）位于 path 的 LevelDB，deployment 用于隔离
// 同一存储下的多个部署。
func Open(path, deployment string, logger *logrus.Logger) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open pattern store: %w", err)
	}
	return &Store{
		db:     db,
		key:    []byte("lazyload::" + deployment),
		logger: logger,
	}, nil
}

// Close 关闭底层数据库。
func (s *Store) Close() error {
	return s.db.Close()
}

// Save 将 lazyLoad 数组原样覆写。空列表同样写入，表示该部署在下一次
// 成功拉取清单之前关闭按需缓存。
func (s *Store) Save(patterns []string) error {
	if patterns == nil {
		patterns = []string{}
	}
	data, err := json.Marshal(patterns)
	if err != nil {
		return err
	}
	return s.db.Put(s.key, data, nil)
}

// Load 返回最近一次保存的模式列表；从未保存过时返回空列表。
func (s *Store) Load() ([]string, error) {
	data, err := s.db.Get(s.key, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var patterns []string
	if err := json.Unmarshal(data, &patterns); err != nil {
		return nil, err
	}
	return patterns, nil
}

// Match 判断目标 URL 是否命中任一持久化模式。无法编译的模式跳过并记
// debug 日志；读取失败视为不命中，绝不阻塞请求服务。
func (s *Store) Match(target string) bool {
	patterns, err := s.Load()
	if err != nil {
		if s.logger != nil {
			s.logger.WithError(err).WithField("action", "lazy_match").Warn("lazy_pattern_load_failed")
		}
		return false
	}

	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			if s.logger != nil {
				s.logger.WithError(err).WithFields(logrus.Fields{
					"action":  "lazy_match",
					"pattern": pattern,
				}).Debug("lazy_pattern_invalid")
			}
			continue
		}
		if re.MatchString(target) {
			return true
		}
	}
	return false
}
