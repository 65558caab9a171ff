package classify

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vietddude/txflow/internal/core/domain"
)

func TestClassify_DefaultMapping(t *testing.T) {
	c := New()

	tests := []struct {
		name string
		err  error
		want domain.ErrorCategory
	}{
		{"coded timeout", &domain.TransactionError{Code: "timeout"}, domain.CategoryTimeout},
		{"coded corruption", &domain.TransactionError{Code: "data_corruption"}, domain.CategoryData},
		{"coded exhaustion", &domain.TransactionError{Code: "resource_exhausted"}, domain.CategoryResource},
		{"pre-categorized", domain.NewTransactionError(domain.CategoryCommit, "commit", errors.New("boom")), domain.CategoryCommit},
		{"deadline exceeded", context.DeadlineExceeded, domain.CategoryTimeout},
		{"wrapped deadline", fmt.Errorf("call failed: %w", context.DeadlineExceeded), domain.CategoryTimeout},
		{"invalid transition", domain.ErrInvalidStateTransition, domain.CategoryState},
		{"circular dependency", domain.ErrCircularDependency, domain.CategoryValidation},
		{"circuit open", domain.ErrCircuitOpen, domain.CategoryParticipant},
		{"grpc unavailable", status.Error(codes.Unavailable, "connection drain"), domain.CategoryNetwork},
		{"grpc aborted", status.Error(codes.Aborted, "txn conflict"), domain.CategoryConcurrency},
		{"grpc data loss", status.Error(codes.DataLoss, "lost shard"), domain.CategoryData},
		{"text deadlock", errors.New("deadlock detected on resource R1"), domain.CategoryDeadlock},
		{"text network", errors.New("connection refused"), domain.CategoryNetwork},
		{"text resource", errors.New("out of memory"), domain.CategoryResource},
		{"text corruption", errors.New("checksum mismatch in segment 3"), domain.CategoryData},
		{"text validation", errors.New("invalid manifest entry"), domain.CategoryValidation},
		{"unknown", errors.New("something odd happened"), domain.CategorySystem},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.err, Context{})
			if got != tt.want {
				t.Errorf("Expected category %s, got %s", tt.want, got)
			}
		})
	}
}

func TestClassify_RegisteredOverride(t *testing.T) {
	c := New()
	c.Register("quota_exceeded", domain.CategoryResource, domain.SeverityCritical)

	err := &domain.TransactionError{Code: "quota_exceeded"}
	if got := c.Classify(err, Context{}); got != domain.CategoryResource {
		t.Errorf("Expected resource category, got %s", got)
	}
	if got := c.Severity(err, Context{}); got != domain.SeverityCritical {
		t.Errorf("Expected critical severity, got %s", got)
	}
}

func TestSeverity_EscalatesOnExhaustedBudget(t *testing.T) {
	c := New()
	err := context.DeadlineExceeded

	if got := c.Severity(err, Context{RetryCount: 1, MaxRetries: 3}); got != domain.SeverityWarning {
		t.Errorf("Expected warning with budget left, got %s", got)
	}
	if got := c.Severity(err, Context{RetryCount: 3, MaxRetries: 3}); got != domain.SeverityError {
		t.Errorf("Expected error after budget exhausted, got %s", got)
	}
}

func TestRecommend(t *testing.T) {
	c := New()

	tests := []struct {
		name     string
		category domain.ErrorCategory
		severity domain.ErrorSeverity
		ectx     Context
		want     domain.RecommendedAction
	}{
		{"timeout with budget", domain.CategoryTimeout, domain.SeverityWarning, Context{RetryCount: 0, MaxRetries: 3}, domain.ActionRetry},
		{"timeout exhausted", domain.CategoryTimeout, domain.SeverityWarning, Context{RetryCount: 3, MaxRetries: 3}, domain.ActionCircuitBreak},
		{"network exhausted", domain.CategoryNetwork, domain.SeverityWarning, Context{RetryCount: 5, MaxRetries: 5}, domain.ActionCircuitBreak},
		{"deadlock exhausted", domain.CategoryDeadlock, domain.SeverityError, Context{RetryCount: 2, MaxRetries: 2}, domain.ActionFallback},
		{"resource", domain.CategoryResource, domain.SeverityError, Context{}, domain.ActionDegrade},
		{"data corruption", domain.CategoryData, domain.SeverityCritical, Context{}, domain.ActionAbort},
		{"validation", domain.CategoryValidation, domain.SeverityError, Context{}, domain.ActionAbort},
		{"participant", domain.CategoryParticipant, domain.SeverityError, Context{RetryCount: 9, MaxRetries: 3}, domain.ActionFallback},
		{"rollback failure", domain.CategoryRollback, domain.SeverityCritical, Context{}, domain.ActionEscalate},
		{"commit failure", domain.CategoryCommit, domain.SeverityCritical, Context{}, domain.ActionEscalate},
		{"critical system", domain.CategorySystem, domain.SeverityCritical, Context{}, domain.ActionEscalate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Recommend(tt.category, tt.severity, tt.ectx)
			if got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestDescribe(t *testing.T) {
	c := New()
	ectx := Context{
		TransactionID: "tx-1",
		OperationID:   "op-1",
		ParticipantID: "plugin-core",
		RetryCount:    1,
		MaxRetries:    3,
	}

	info := c.Describe(status.Error(codes.Unavailable, "backend down"), ectx)

	if info.ID == "" {
		t.Error("Expected generated error id")
	}
	if info.TransactionID != "tx-1" || info.OperationID != "op-1" || info.ParticipantID != "plugin-core" {
		t.Errorf("Context fields not carried over: %+v", info)
	}
	if info.Category != domain.CategoryNetwork {
		t.Errorf("Expected network category, got %s", info.Category)
	}
	if info.Action != domain.ActionRetry {
		t.Errorf("Expected retry action, got %s", info.Action)
	}
	if !info.Retryable {
		t.Error("Expected network errors to be retryable")
	}
	if info.RetryCount != 1 || info.MaxRetries != 3 {
		t.Errorf("Retry history not carried over: %+v", info)
	}
	if info.OccurredAt.IsZero() {
		t.Error("Expected occurrence timestamp")
	}
}
