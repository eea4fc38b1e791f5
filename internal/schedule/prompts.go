package schedule

// Built-in templates used when the configured prompt files are missing.
// Deployments override them via schedule.intent_prompt_path and
// schedule.intent_rules_path under the workspace root.

const intentRulesDefault = `- kind must be one of: create, list, delete, pause, resume, none.
- Use none when the message is not about scheduled/recurring/timed tasks.
- schedule.type must be one of: once, daily, weekly, interval, cron.
- once: fill schedule.run_at as "YYYY-MM-DD HH:MM" or "YYYY-MM-DD HH:MM:SS" in the user's timezone.
- daily: fill schedule.time as "HH:MM".
- weekly: fill schedule.weekday (1=Monday .. 7=Sunday) and schedule.time as "HH:MM".
- interval: fill schedule.every_minutes with a positive integer.
- cron: fill schedule.cron with the raw expression; do not invent one.
- task.kind must be ask or run_skill. For ask, task.payload is {"text": "..."}; for run_skill it is {"skill_name": "...", "args": {...}}.
- target_job_id: copy the job id the user names (job_xxxxxxxxxx); leave empty for "all jobs".
- Relative dates ("tomorrow", "next Monday") resolve against the current local time given above.
- confidence in [0,1]; use a low value when you are guessing.`

const intentPromptTemplate = `You are the schedule intent parser of a task assistant.

Current local time: __NOW__
Timezone: __TIMEZONE__

### RULES
__RULES__

### MEMORY_CONTEXT
__MEMORY_CONTEXT__

### USER_MESSAGE
__REQUEST__

Decide whether the message manages scheduled jobs, and reply with ONLY one JSON object:
{"kind": "create|list|delete|pause|resume|none",
 "timezone": "",
 "schedule": {"type": "", "run_at": "", "time": "", "weekday": 0, "every_minutes": 0, "cron": ""},
 "task": {"kind": "", "payload": {}},
 "target_job_id": "",
 "confidence": 0.0}

No markdown, no explanations outside the JSON object.`
