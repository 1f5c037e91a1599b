package kit

import "context"

type contextKey string

const (
	RequestIDKey contextKey = "kit_request_id"
	SessionIDKey contextKey = "kit_session_id"
	UserIDKey    contextKey = "kit_user_id"
	LocaleKey    contextKey = "kit_locale"
	ChannelKey   contextKey = "kit_channel" // "web", "mcp"
)

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}
func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(RequestIDKey).(string)
	return v
}

func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, SessionIDKey, id)
}
func GetSessionID(ctx context.Context) string {
	v, _ := ctx.Value(SessionIDKey).(string)
	return v
}

func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, UserIDKey, id)
}
func GetUserID(ctx context.Context) string {
	v, _ := ctx.Value(UserIDKey).(string)
	return v
}

func WithLocale(ctx context.Context, locale string) context.Context {
	return context.WithValue(ctx, LocaleKey, locale)
}
func GetLocale(ctx context.Context) string {
	v, _ := ctx.Value(LocaleKey).(string)
	return v
}

func WithChannel(ctx context.Context, ch string) context.Context {
	return context.WithValue(ctx, ChannelKey, ch)
}
func GetChannel(ctx context.Context) string {
	if v, ok := ctx.Value(ChannelKey).(string); ok {
		return v
	}
	return "web"
}
