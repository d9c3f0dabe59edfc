package egress

import (
	"strings"
	"testing"
	"time"
)

func TestFormatNotification_Success(t *testing.T) {
	msg := FormatNotification(NotificationParams{
		JobName:     "backup",
		StartTime:   time.Date(2026, 7, 30, 9, 0, 0, 0, time.Local),
		Success:     true,
		DurationSec: 1.234,
	})
	if !strings.Contains(msg, "📋 定时任务执行通知") {
		t.Fatal("expected header line")
	}
	if !strings.Contains(msg, "任务名称: backup") {
		t.Fatal("expected job name line")
	}
	if !strings.Contains(msg, "✅ 成功") {
		t.Fatal("expected success status")
	}
	if !strings.Contains(msg, "执行耗时: 1.23 秒") {
		t.Fatalf("expected 2dp duration, got: %s", msg)
	}
	if strings.Contains(msg, "错误信息") {
		t.Fatal("did not expect error line on success")
	}
}

func TestFormatNotification_FailureIncludesError(t *testing.T) {
	msg := FormatNotification(NotificationParams{
		JobName:     "backup",
		StartTime:   time.Now(),
		Success:     false,
		DurationSec: 0.5,
		Error:       "timeout",
	})
	if !strings.Contains(msg, "❌ 失败") {
		t.Fatal("expected failure status")
	}
	if !strings.Contains(msg, "错误信息: timeout") {
		t.Fatal("expected error line")
	}
}

func TestFormatNotification_IncludesResultFilePath(t *testing.T) {
	msg := FormatNotification(NotificationParams{
		JobName:        "backup",
		StartTime:      time.Now(),
		Success:        true,
		ResultFilePath: "/tmp/out.txt",
	})
	if !strings.Contains(msg, "结果文件: /tmp/out.txt") {
		t.Fatal("expected result file line")
	}
}

func TestDashboard_SendMessageIsNoOp(t *testing.T) {
	s := Dashboard()
	if err := s.SendMessage(nil, "dashboard", "hello"); err != nil {
		t.Fatalf("expected no-op success, got %v", err)
	}
}
