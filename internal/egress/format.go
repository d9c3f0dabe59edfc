package egress

import (
	"fmt"
	"time"
)

// NotificationParams carries the fields needed to render a scheduled
// job's result notification per spec.md §6.
type NotificationParams struct {
	JobName        string
	StartTime      time.Time
	Success        bool
	DurationSec    float64
	Error          string
	ResultFilePath string
}

// FormatNotification renders the egress notification template byte-for-
// byte against spec.md §6's "Notification format" section.
func FormatNotification(p NotificationParams) string {
	status := "✅ 成功"
	if !p.Success {
		status = "❌ 失败"
	}

	msg := fmt.Sprintf(
		"📋 定时任务执行通知\n━━━━━━━━━━━━━━━━━━━━━━\n任务名称: %s\n执行时间: %s\n执行状态: %s\n执行耗时: %.2f 秒\n",
		p.JobName,
		p.StartTime.Local().Format("2006-01-02 15:04:05"),
		status,
		p.DurationSec,
	)
	if p.Error != "" {
		msg += fmt.Sprintf("错误信息: %s\n", p.Error)
	}
	if p.ResultFilePath != "" {
		msg += fmt.Sprintf("结果文件: %s\n", p.ResultFilePath)
	}
	msg += "━━━━━━━━━━━━━━━━━━━━━━"
	return msg
}
