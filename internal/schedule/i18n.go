package schedule

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// builtinMessages is the fallback dictionary when no locale file is found.
func builtinMessages() map[string]string {
	return map[string]string{
		"schedule.desc.daily":                              "每天 {time}",
		"schedule.desc.weekly":                             "每周 weekday={weekday} {time}",
		"schedule.desc.interval":                           "每隔 {minutes} 分钟",
		"schedule.desc.once":                               "一次性",
		"schedule.status.enabled":                          "已启用",
		"schedule.status.paused":                           "已暂停",
		"schedule.msg.list_empty":                          "当前没有定时任务。",
		"schedule.msg.list_header":                         "定时任务列表：\n{lines}",
		"schedule.msg.delete_none":                         "当前没有可删除的定时任务。",
		"schedule.msg.job_id_not_found":                    "未找到任务ID：{job_id}",
		"schedule.msg.delete_all_ok":                       "已删除全部定时任务，共 {count} 条。",
		"schedule.msg.delete_one_ok":                       "已删除定时任务：{job_id}",
		"schedule.msg.update_none":                         "当前没有可操作的定时任务。",
		"schedule.msg.resume_all_ok":                       "已恢复全部定时任务，共 {count} 条。",
		"schedule.msg.pause_all_ok":                        "已暂停全部定时任务，共 {count} 条。",
		"schedule.msg.resume_one_ok":                       "已恢复定时任务：{job_id}",
		"schedule.msg.pause_one_ok":                        "已暂停定时任务：{job_id}",
		"schedule.msg.create_fail_task_kind":               "创建失败：task.kind 仅支持 ask 或 run_skill。",
		"schedule.msg.cron_not_supported":                  "当前版本暂不支持 cron 表达式，请先用每天/每周/每隔N分钟。",
		"schedule.msg.cron_not_supported_with_expr":        "当前版本暂不支持 cron 表达式（{cron}），请先用每天/每周/每隔N分钟。",
		"schedule.msg.create_fail_invalid_run_at":          "创建失败：一次性任务 run_at 格式无效，期望 YYYY-MM-DD HH:MM[:SS]。",
		"schedule.msg.create_fail_run_at_must_be_future":   "创建失败：执行时间必须晚于当前时间。",
		"schedule.msg.create_fail_cannot_compute_next_run": "创建失败：无法计算下次执行时间，请检查时间格式。",
		"schedule.msg.create_ok":                           "已创建定时任务：{job_id}\n类型：{type}\n时区：{timezone}\n下次执行时间(ts)：{next_run_at}",
	}
}

type i18nFile struct {
	Dict map[string]string `yaml:"dict"`
}

// loadMessages reads configs/i18n/schedule.<locale>.yaml under the workspace
// root and falls back to the built-in dictionary when the file is absent or
// empty.
func loadMessages(log *slog.Logger, workspaceRoot, dir, locale string) map[string]string {
	path := filepath.Join(workspaceRoot, strings.TrimSpace(dir), fmt.Sprintf("schedule.%s.yaml", strings.TrimSpace(locale)))
	raw, err := os.ReadFile(path)
	if err != nil {
		log.Debug("schedule i18n file not loaded, using built-ins", "path", path, "err", err)
		return builtinMessages()
	}
	var f i18nFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		log.Warn("parse schedule i18n file failed", "path", path, "err", err)
		return builtinMessages()
	}
	if len(f.Dict) == 0 {
		log.Warn("schedule i18n file missing dict", "path", path)
		return builtinMessages()
	}
	return f.Dict
}

func (s *Service) t(key string) string {
	if v, ok := s.messages[key]; ok {
		return v
	}
	return key
}

func (s *Service) tWith(key string, vars map[string]string) string {
	out := s.t(key)
	for name, value := range vars {
		out = strings.ReplaceAll(out, "{"+name+"}", value)
	}
	return out
}
