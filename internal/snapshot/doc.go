// Package snapshot 管理版本化快照的磁盘存储与注册表策略。
//
// 一个快照是某个清单版本下 请求→响应 的只读映射；注册表按创建时间维护
// 同一部署的全部快照，并实现 oldest-wins 选取与单客户端触发的清理。
package snapshot
