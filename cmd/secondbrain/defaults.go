package main

import (
	"time"

	"github.com/spf13/viper"
)

func initViperDefaults() {
	// Global
	viper.SetDefault("file_state_dir", "~/.secondbrain")

	// HTTP server
	viper.SetDefault("server.bind", "127.0.0.1")
	viper.SetDefault("server.port", 3000)
	viper.SetDefault("server.url", "http://127.0.0.1:3000")
	viper.SetDefault("server.auth_token", "")
	viper.SetDefault("server.shutdown_timeout", 15*time.Second)

	// Sessions
	viper.SetDefault("sessions.dir_name", "sessions")
	viper.SetDefault("sessions.prewarm", []string{"default"})
	viper.SetDefault("sessions.resume_active", true)
	viper.SetDefault("sessions.prewarm_interval", 30*time.Second)
	viper.SetDefault("sessions.cleanup_interval", 24*time.Hour)
	viper.SetDefault("sessions.health_interval", time.Hour)
	viper.SetDefault("sessions.retention", 30*24*time.Hour)
	viper.SetDefault("sessions.auto_reply", true)
	viper.SetDefault("sessions.ai_enabled", true)
	viper.SetDefault("sessions.authorized_numbers", []string{})

	// Pairing codes
	viper.SetDefault("qr.ttl", 60*time.Second)

	// Reconnect and chat handling
	viper.SetDefault("reconnect.delay", 5*time.Second)
	viper.SetDefault("reconnect.handler_timeout", 2*time.Minute)

	// Protocol gateway
	viper.SetDefault("transport.gateway_url", "http://127.0.0.1:3100")
	viper.SetDefault("transport.token", "")
	viper.SetDefault("transport.connect_timeout", 10*time.Second)
	viper.SetDefault("transport.pairing_timeout", 8*time.Second)
	viper.SetDefault("transport.keep_alive", 20*time.Second)
	viper.SetDefault("transport.query_timeout", 10*time.Second)
	viper.SetDefault("transport.retry_delay", time.Second)
	viper.SetDefault("transport.max_retries", 3)

	// AI command
	viper.SetDefault("llm.endpoint", "https://api.openai.com")
	viper.SetDefault("llm.api_key", "")
	viper.SetDefault("llm.model", "gpt-4o-mini")
	viper.SetDefault("llm.request_timeout", 90*time.Second)
	viper.SetDefault("llm.system_prompt", "")

	// Notifications
	viper.SetDefault("notify.enabled", true)
	viper.SetDefault("notify.session_id", "default")
	viper.SetDefault("notify.recipients", []string{})
	viper.SetDefault("notify.reminder_interval", time.Hour)
	viper.SetDefault("notify.toggles.task_due_reminders", true)
	viper.SetDefault("notify.toggles.new_task_assigned", true)
	viper.SetDefault("notify.toggles.project_updates", false)
	viper.SetDefault("notify.toggles.ai_insights", true)
	viper.SetDefault("notify.toggles.daily_summary", false)
	viper.SetDefault("notify.toggles.weekly_report", true)
	viper.SetDefault("notify.toggles.motivation", true)

	// Command audit trail
	viper.SetDefault("audit.enabled", true)
	viper.SetDefault("audit.path", "")
	viper.SetDefault("audit.max_bytes", int64(32*1024*1024))

	// Logging
	viper.SetDefault("logging.format", "text")
	viper.SetDefault("logging.add_source", false)
	viper.SetDefault("trace", false)
}
