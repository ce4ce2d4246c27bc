package main

import (
	"log/slog"
	"slices"
	"time"

	"github.com/wilsonzlin/aero/proxy/devicelink/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeTrusted {
		logger.Warn("startup security warning: AUTH_MODE=trusted accepts the claims header without verifying it (only safe behind a gateway that strips it from client requests)",
			"warning_code", "auth_mode_trusted",
			"auth_mode", cfg.AuthMode,
			"claims_header", cfg.ClaimsHeader,
			"mode", cfg.Mode,
		)
	}

	if cfg.AuthMode == config.AuthModeJWT && cfg.Mode == config.ModeProd &&
		(cfg.JWTIssuer == "" || cfg.JWTAudience == "") {
		logger.Warn("startup security warning: JWT issuer or audience is unset while --mode=prod (tokens minted for other services are accepted)",
			"warning_code", "jwt_issuer_audience_unset",
			"jwt_issuer_set", cfg.JWTIssuer != "",
			"jwt_audience_set", cfg.JWTAudience != "",
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && (cfg.DBPath == "" || cfg.DBPath == ":memory:") {
		logger.Warn("startup security warning: DB_PATH is unset while --mode=prod (the agent directory is lost on restart)",
			"warning_code", "directory_in_memory_in_prod",
			"db_path", cfg.DBPath,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (weakens per-message allocation limits)",
			"warning_code", "max_signaling_message_bytes_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}
	if cfg.SignalingWSIdleTimeout > 10*time.Minute {
		logger.Warn("startup security warning: SIGNALING_WS_IDLE_TIMEOUT is very large (dead sockets keep their agents listed for longer)",
			"warning_code", "signaling_ws_idle_timeout_large",
			"signaling_ws_idle_timeout", cfg.SignalingWSIdleTimeout,
			"mode", cfg.Mode,
		)
	}

	if cfg.TURNREST.Enabled() && cfg.TURNREST.TTLSeconds > 24*60*60 {
		logger.Warn("startup security warning: TURN_REST_TTL_SECONDS exceeds one day (leaked credentials stay valid for longer)",
			"warning_code", "turn_rest_ttl_large",
			"turn_rest_ttl_seconds", cfg.TURNREST.TTLSeconds,
			"mode", cfg.Mode,
		)
	}
}
