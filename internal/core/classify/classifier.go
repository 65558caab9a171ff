package classify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vietddude/txflow/internal/core/domain"
)

// Rule is the classification assigned to a registered error code.
type Rule struct {
	Category domain.ErrorCategory
	Severity domain.ErrorSeverity
}

// Context carries the execution coordinates of a failure. The classifier
// uses it to fill audit fields and to weigh retry history.
type Context struct {
	TransactionID string
	OperationID   string
	ParticipantID string
	RetryCount    int
	MaxRetries    int
}

// Classifier maps raised errors to (category, severity, recommended action).
// Codes registered via Register take precedence over the built-in mapping.
type Classifier struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

// Default code table. Raisers that tag a TransactionError with one of these
// codes get a stable classification regardless of message text.
var defaultRules = map[string]Rule{
	"timeout":             {domain.CategoryTimeout, domain.SeverityWarning},
	"resource_exhausted":  {domain.CategoryResource, domain.SeverityError},
	"data_corruption":     {domain.CategoryData, domain.SeverityCritical},
	"validation_failed":   {domain.CategoryValidation, domain.SeverityError},
	"participant_failure": {domain.CategoryParticipant, domain.SeverityError},
	"network_unreachable": {domain.CategoryNetwork, domain.SeverityWarning},
	"deadlock_detected":   {domain.CategoryDeadlock, domain.SeverityError},
	"concurrent_update":   {domain.CategoryConcurrency, domain.SeverityWarning},
}

// New creates a classifier seeded with the default code table.
func New() *Classifier {
	c := &Classifier{rules: make(map[string]Rule, len(defaultRules))}
	for code, rule := range defaultRules {
		c.rules[code] = rule
	}
	return c
}

// Register adds or overrides the classification for an error code.
func (c *Classifier) Register(code string, category domain.ErrorCategory, severity domain.ErrorSeverity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules[code] = Rule{Category: category, Severity: severity}
}

func (c *Classifier) lookup(code string) (Rule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rules[code]
	return r, ok
}

// Classify maps err to an error category.
func (c *Classifier) Classify(err error, _ Context) domain.ErrorCategory {
	category, _ := c.resolve(err)
	return category
}

// Severity grades err. Exhausting the retry budget raises the grade one
// level, so a persistent warning surfaces as an error.
func (c *Classifier) Severity(err error, ectx Context) domain.ErrorSeverity {
	_, severity := c.resolve(err)
	if budgetExhausted(ectx) {
		severity = escalateSeverity(severity)
	}
	return severity
}

// Recommend combines category, severity, and retry history into the action
// the recovery executor should take next.
func (c *Classifier) Recommend(category domain.ErrorCategory, severity domain.ErrorSeverity, ectx Context) domain.RecommendedAction {
	switch category {
	case domain.CategoryRollback, domain.CategoryCommit:
		// Failures while finishing a transaction cannot be resolved locally.
		return domain.ActionEscalate

	case domain.CategoryData:
		return domain.ActionAbort

	case domain.CategoryValidation, domain.CategoryState, domain.CategoryPrepare:
		return domain.ActionAbort

	case domain.CategoryResource:
		return domain.ActionDegrade

	case domain.CategoryTimeout, domain.CategoryNetwork:
		if !budgetExhausted(ectx) {
			return domain.ActionRetry
		}
		return domain.ActionCircuitBreak

	case domain.CategoryConcurrency, domain.CategoryDeadlock:
		if !budgetExhausted(ectx) {
			return domain.ActionRetry
		}
		return domain.ActionFallback

	case domain.CategoryParticipant:
		if severity == domain.SeverityCritical {
			return domain.ActionAbort
		}
		return domain.ActionFallback

	default:
		if severity == domain.SeverityCritical {
			return domain.ActionEscalate
		}
		return domain.ActionAbort
	}
}

// Describe produces the full audit record for one failure.
func (c *Classifier) Describe(err error, ectx Context) domain.TransactionErrorInfo {
	category, severity := c.resolve(err)
	if budgetExhausted(ectx) {
		severity = escalateSeverity(severity)
	}

	msg := ""
	if err != nil {
		msg = err.Error()
	}

	return domain.TransactionErrorInfo{
		ID:            uuid.New().String(),
		TransactionID: ectx.TransactionID,
		OperationID:   ectx.OperationID,
		ParticipantID: ectx.ParticipantID,
		Category:      category,
		Severity:      severity,
		Action:        c.Recommend(category, severity, ectx),
		Message:       msg,
		Retryable:     Retryable(category),
		RetryCount:    ectx.RetryCount,
		MaxRetries:    ectx.MaxRetries,
		OccurredAt:    time.Now(),
	}
}

// Retryable reports whether errors of this category are worth retrying as-is.
func Retryable(category domain.ErrorCategory) bool {
	switch category {
	case domain.CategoryTimeout, domain.CategoryNetwork, domain.CategoryConcurrency,
		domain.CategoryDeadlock, domain.CategoryParticipant:
		return true
	default:
		return false
	}
}

func budgetExhausted(ectx Context) bool {
	return ectx.MaxRetries > 0 && ectx.RetryCount >= ectx.MaxRetries
}

func (c *Classifier) resolve(err error) (domain.ErrorCategory, domain.ErrorSeverity) {
	if err == nil {
		return domain.CategorySystem, domain.SeverityInfo
	}

	// Pre-classified errors win; the raiser knows the failure site.
	var te *domain.TransactionError
	if errors.As(err, &te) {
		if te.Code != "" {
			if rule, ok := c.lookup(te.Code); ok {
				return rule.Category, rule.Severity
			}
		}
		if te.Category != "" {
			return te.Category, defaultSeverity(te.Category)
		}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return domain.CategoryTimeout, domain.SeverityWarning
	case errors.Is(err, context.Canceled):
		return domain.CategorySystem, domain.SeverityWarning
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrInvalidStateTransition):
		return domain.CategoryState, domain.SeverityError
	case errors.Is(err, domain.ErrCircularDependency):
		return domain.CategoryValidation, domain.SeverityError
	case errors.Is(err, domain.ErrCircuitOpen):
		return domain.CategoryParticipant, domain.SeverityWarning
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.OK {
		return fromGRPC(st.Code())
	}

	return fromText(err.Error())
}

func fromGRPC(code codes.Code) (domain.ErrorCategory, domain.ErrorSeverity) {
	switch code {
	case codes.InvalidArgument, codes.OutOfRange:
		return domain.CategoryValidation, domain.SeverityError
	case codes.FailedPrecondition:
		return domain.CategoryState, domain.SeverityError
	case codes.ResourceExhausted:
		return domain.CategoryResource, domain.SeverityError
	case codes.Unavailable:
		return domain.CategoryNetwork, domain.SeverityWarning
	case codes.DeadlineExceeded:
		return domain.CategoryTimeout, domain.SeverityWarning
	case codes.Aborted:
		return domain.CategoryConcurrency, domain.SeverityWarning
	case codes.DataLoss:
		return domain.CategoryData, domain.SeverityCritical
	case codes.NotFound, codes.Unimplemented:
		return domain.CategoryParticipant, domain.SeverityError
	default:
		return domain.CategorySystem, domain.SeverityError
	}
}

// fromText is the last resort for untyped errors.
func fromText(msg string) (domain.ErrorCategory, domain.ErrorSeverity) {
	s := strings.ToLower(msg)

	switch {
	case strings.Contains(s, "deadlock"):
		return domain.CategoryDeadlock, domain.SeverityError
	case strings.Contains(s, "corrupt") || strings.Contains(s, "checksum") ||
		strings.Contains(s, "integrity"):
		return domain.CategoryData, domain.SeverityCritical
	case strings.Contains(s, "serialization") || strings.Contains(s, "concurrent") ||
		strings.Contains(s, "conflict") || strings.Contains(s, "lock wait"):
		return domain.CategoryConcurrency, domain.SeverityWarning
	case strings.Contains(s, "timeout") || strings.Contains(s, "timed out") ||
		strings.Contains(s, "deadline"):
		return domain.CategoryTimeout, domain.SeverityWarning
	case strings.Contains(s, "connection") || strings.Contains(s, "unreachable") ||
		strings.Contains(s, "broken pipe") || strings.Contains(s, "no route") ||
		strings.Contains(s, "dns") || strings.Contains(s, "eof"):
		return domain.CategoryNetwork, domain.SeverityWarning
	case strings.Contains(s, "out of memory") || strings.Contains(s, "no space") ||
		strings.Contains(s, "disk full") || strings.Contains(s, "too many open files") ||
		strings.Contains(s, "quota") || strings.Contains(s, "exhausted"):
		return domain.CategoryResource, domain.SeverityError
	case strings.Contains(s, "invalid") || strings.Contains(s, "malformed") ||
		strings.Contains(s, "missing required") || strings.Contains(s, "schema"):
		return domain.CategoryValidation, domain.SeverityError
	default:
		return domain.CategorySystem, domain.SeverityError
	}
}

func defaultSeverity(category domain.ErrorCategory) domain.ErrorSeverity {
	switch category {
	case domain.CategoryData, domain.CategoryRollback, domain.CategoryCommit:
		return domain.SeverityCritical
	case domain.CategoryTimeout, domain.CategoryNetwork, domain.CategoryConcurrency:
		return domain.SeverityWarning
	default:
		return domain.SeverityError
	}
}

func escalateSeverity(s domain.ErrorSeverity) domain.ErrorSeverity {
	switch s {
	case domain.SeverityInfo:
		return domain.SeverityWarning
	case domain.SeverityWarning:
		return domain.SeverityError
	default:
		return domain.SeverityCritical
	}
}
