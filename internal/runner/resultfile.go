package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

var resultFileSanitizer = regexp.MustCompile(`[^A-Za-z0-9_\-\p{Han}]`)

// sanitizeResultFileName strips everything outside
// [A-Za-z0-9_-一-龥] from name, matching spec.md §6.
func sanitizeResultFileName(name string) string {
	return resultFileSanitizer.ReplaceAllString(name, "_")
}

// resultFileTemplate renders the Task Runner's result-file body exactly
// per spec.md §6.
func resultFileTemplate(name, id, command string, startTime, endTime time.Time, output string) string {
	const bar = "========================================"
	const thin = "----------------------------------------"
	return fmt.Sprintf(
		"%s\n任务名称: %s\n任务ID: %s\n执行时间: %s\n执行命令: %s\n%s\n\n输出结果:\n%s\n%s\n%s\n\n执行完成: %s\n%s\n",
		bar, name, id, startTime.Local().Format("2006-01-02 15:04:05"), command, bar,
		thin, output, thin,
		endTime.Local().Format("2006-01-02 15:04:05"), bar,
	)
}

// writeResultFile writes the formatted result file to
// resultDir/<sanitized-name>_<date>_<time>.txt and returns its path.
func writeResultFile(resultDir, name, id, command string, startTime, endTime time.Time, output string) (string, error) {
	if err := os.MkdirAll(resultDir, 0o755); err != nil {
		return "", fmt.Errorf("runner: creating result dir: %w", err)
	}
	fileName := fmt.Sprintf("%s_%s_%s.txt",
		sanitizeResultFileName(name),
		startTime.Local().Format("2006-01-02"),
		startTime.Local().Format("15-04-05"),
	)
	path := filepath.Join(resultDir, fileName)
	body := resultFileTemplate(name, id, command, startTime, endTime, output)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return "", fmt.Errorf("runner: writing result file: %w", err)
	}
	return path, nil
}
