package utils

import "context"

type contextKey string

const (
	ContextKeyCorrelationId     contextKey = "correlation_id"
	ContextKeyBusinessAccountId contextKey = "business_account_id"
)

func getString(ctx context.Context, key contextKey) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(key).(string)
	return v, ok
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return getString(ctx, ContextKeyCorrelationId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return context.WithValue(ctx, ContextKeyCorrelationId, correlationId)
}

func GetBusinessAccountIdFromContext(ctx context.Context) (string, bool) {
	return getString(ctx, ContextKeyBusinessAccountId)
}

func SetBusinessAccountIdInContext(ctx context.Context, businessAccountId string) context.Context {
	return context.WithValue(ctx, ContextKeyBusinessAccountId, businessAccountId)
}
