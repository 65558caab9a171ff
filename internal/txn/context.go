package txn

import "context"

type ctxKey int

const txIDKey ctxKey = iota

// ContextWithTransactionID tags ctx with the transaction driving the current
// participant phase. Out-of-process participants read it back to build
// idempotency keys.
func ContextWithTransactionID(ctx context.Context, txID string) context.Context {
	return context.WithValue(ctx, txIDKey, txID)
}

// TransactionIDFromContext reports the transaction id set by the coordinator.
func TransactionIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(txIDKey).(string)
	return id, ok
}
