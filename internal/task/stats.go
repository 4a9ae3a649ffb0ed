package task

// TaskStats 聚合了定时任务的状态统计，供任务台与健康检查使用。
type TaskStats struct {
	Total      int   `json:"total"`
	Waiting    int   `json:"waiting"`
	Executing  int   `json:"executing"`
	Sent       int   `json:"sent"`
	Failed     int   `json:"failed"`
	Hidden     int   `json:"hidden"`
	NextUnlock int64 `json:"next_unlock,omitempty"`
}
