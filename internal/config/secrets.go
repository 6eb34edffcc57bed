package config

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.Redis.URL)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Feed.Subgraph.APIKey)
	redact(&out.Feed.Chain.WSURL) // RPC URLs usually embed a key
	redact(&out.Dispatch.WebhookSecret)
	redact(&out.Dispatch.SecretPassword)
	redact(&out.Server.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	out.Registry.MonitoredWallets = cloneStrings(cfg.Registry.MonitoredWallets)
	out.Feed.Chain.Exchanges = cloneStrings(cfg.Feed.Chain.Exchanges)
	out.Decision.MirrorClasses = cloneStrings(cfg.Decision.MirrorClasses)
	out.Server.CORSOrigins = cloneStrings(cfg.Server.CORSOrigins)
	out.Notify.Events = cloneStrings(cfg.Notify.Events)
	out.Notify.Classes = cloneStrings(cfg.Notify.Classes)

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
