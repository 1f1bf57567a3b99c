package types

import (
	"context"
)

// ContextKey is a type for the keys of values stored in the context
type ContextKey string

const (
	CtxRequestID       ContextKey = "ctx_request_id"
	CtxProjectID       ContextKey = "ctx_project_id"
	CtxCustomerCountry ContextKey = "ctx_customer_country"
)

func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(CtxRequestID).(string); ok {
		return requestID
	}
	return ""
}

func GetProjectID(ctx context.Context) string {
	if projectID, ok := ctx.Value(CtxProjectID).(string); ok {
		return projectID
	}
	return ""
}

// GetCustomerCountry returns the ISO 3166-1 alpha-2 country code inferred
// for the calling customer, or "" when unknown.
func GetCustomerCountry(ctx context.Context) string {
	if country, ok := ctx.Value(CtxCustomerCountry).(string); ok {
		return country
	}
	return ""
}

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, CtxRequestID, requestID)
}

func SetProjectID(ctx context.Context, projectID string) context.Context {
	return context.WithValue(ctx, CtxProjectID, projectID)
}

func SetCustomerCountry(ctx context.Context, country string) context.Context {
	return context.WithValue(ctx, CtxCustomerCountry, country)
}
