package utils

import (
	"context"

	"github.com/diging/edrop-connector/appctx"
)

var (
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
	ContextKeyRecordId      = appctx.ContextKeyRecordId
	ContextKeyRunId         = appctx.ContextKeyRunId
	ContextKeyAdminSubject  = appctx.ContextKeyAdminSubject
)

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func GetRecordIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyRecordId)
}

func SetRecordIdInContext(ctx context.Context, recordId string) context.Context {
	return appctx.Set(ctx, ContextKeyRecordId, recordId)
}

func GetRunIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyRunId)
}

func SetRunIdInContext(ctx context.Context, runId string) context.Context {
	return appctx.Set(ctx, ContextKeyRunId, runId)
}

func GetAdminSubjectFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyAdminSubject)
}

func SetAdminSubjectInContext(ctx context.Context, subject string) context.Context {
	return appctx.Set(ctx, ContextKeyAdminSubject, subject)
}
