package config

import "log/slog"

// Mask hides all but the first four characters of a secret. Secrets of four
// characters or fewer are hidden completely.
func Mask(secret string) string {
	if secret == "" {
		return ""
	}
	r := []rune(secret)
	if len(r) <= 4 {
		return "****"
	}
	return string(r[:4]) + "****"
}

// LogValue implements slog.LogValuer so credentials never reach the logs.
func (p ProviderEntry) LogValue() slog.Value {
	attrs := []slog.Attr{slog.String("name", p.Name)}
	if p.AppID != "" {
		attrs = append(attrs, slog.String("app_id", Mask(p.AppID)))
	}
	if p.APIKey != "" {
		attrs = append(attrs, slog.String("api_key", Mask(p.APIKey)))
	}
	if p.BaseURL != "" {
		attrs = append(attrs, slog.String("base_url", p.BaseURL))
	}
	if p.Model != "" {
		attrs = append(attrs, slog.String("model", p.Model))
	}
	return slog.GroupValue(attrs...)
}
