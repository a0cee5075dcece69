package main

import (
	"log/slog"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.Store == config.StoreMemory {
		logger.Warn("startup warning: WEBRTC_CALL_STORE=memory while --mode=prod (call records are lost on restart)",
			"warning_code", "store_memory_in_prod",
			"store", cfg.Store,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.StoreAuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: STORE_AUTH_MODE=none while --mode=prod (anyone who can reach the store can read and write calls)",
			"warning_code", "store_auth_none_in_prod",
			"store_auth_mode", cfg.StoreAuthMode,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxStoreMessagesPerSecond <= 0 {
		logger.Warn("startup security warning: MAX_STORE_MESSAGES_PER_SECOND is unset/0 (unlimited) while --mode=prod",
			"warning_code", "store_rate_limit_disabled_in_prod",
			"max_store_messages_per_second", cfg.MaxStoreMessagesPerSecond,
			"mode", cfg.Mode,
		)
	}

	// Session descriptions are a few KiB; a much larger cap only helps abuse.
	if cfg.MaxStoreMessageBytes > 1<<20 {
		logger.Warn("startup security warning: MAX_STORE_MESSAGE_BYTES is very large (weakens store WebSocket DoS hardening)",
			"warning_code", "store_message_limit_large",
			"max_store_message_bytes", cfg.MaxStoreMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.StoreWSIdleTimeout > 10*time.Minute {
		logger.Warn("startup security warning: STORE_WS_IDLE_TIMEOUT is very large (idle connections hold subscriptions open)",
			"warning_code", "store_ws_idle_timeout_large",
			"store_ws_idle_timeout", cfg.StoreWSIdleTimeout,
			"mode", cfg.Mode,
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
