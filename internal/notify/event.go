package notify

// EventType 标记一次缓存生命周期状态迁移。
type EventType string

const (
	// EventDownloading 首次缓存开始下载。
	EventDownloading EventType = "downloading"
	// EventDownloadingUpdate 后台开始下载新版本，携带版本号。
	EventDownloadingUpdate EventType = "downloading-update"
	// EventUpdateReady 新版本构建完成、等待晋升，携带版本号。
	EventUpdateReady EventType = "update-ready"
	// EventUpdatePending 当前版本已缓存，另有已完成的新版本等待晋升。
	EventUpdatePending EventType = "update-pending"
	// EventUpToDate 当前版本即最新版本。
	EventUpToDate EventType = "up-to-date"
	// EventOfflineReady 首次缓存完成，站点已可离线访问。
	EventOfflineReady EventType = "offline-ready"
)

// Event 是发布到通知通道的状态消息。Version 仅在 downloading-update 与
// update-ready 上出现。
type Event struct {
	Type    EventType `json:"type"`
	Version string    `json:"version,omitempty"`
}
