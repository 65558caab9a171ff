package rpc

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vietddude/txflow/internal/participant"
	"github.com/vietddude/txflow/internal/txn"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

var _ participant.Participant = (*Participant)(nil)

// maxAttempts bounds per-phase retries on transient status codes. Anything
// beyond that is the recovery engine's problem, not the transport's.
const maxAttempts = 3

// Participant drives the commit phases of one remote resource manager. The
// remote side must tolerate duplicate phase calls; the transaction id in
// every request is its idempotency key.
type Participant struct {
	id      string
	conn    grpc.ClientConnInterface
	timeout time.Duration
}

// NewParticipant binds a participant id to a dialed endpoint.
func NewParticipant(id string, client *Client) *Participant {
	return &Participant{id: id, conn: client.conn, timeout: client.callTimeout}
}

// NewParticipantFromConn builds a participant on an existing connection (for
// testing).
func NewParticipantFromConn(id string, conn grpc.ClientConnInterface) *Participant {
	return &Participant{id: id, conn: conn, timeout: defaultCallTimeout}
}

// ID returns the identifier the participant registers under.
func (p *Participant) ID() string {
	return p.id
}

// Prepare asks the remote service to reserve everything a later Commit
// needs. An error vetoes the transaction.
func (p *Participant) Prepare(ctx context.Context) error {
	return p.invoke(ctx, "Prepare")
}

// Commit makes the prepared work durable on the remote side.
func (p *Participant) Commit(ctx context.Context) error {
	return p.invoke(ctx, "Commit")
}

// Rollback releases remote reservations and undoes applied effects.
func (p *Participant) Rollback(ctx context.Context) error {
	return p.invoke(ctx, "Rollback")
}

// invoke calls one phase method, retrying transient failures. A server-sent
// RetryInfo detail overrides the default backoff.
func (p *Participant) invoke(ctx context.Context, phase string) error {
	req := p.request(ctx)

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoffFor(lastErr, attempt)):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		err := p.conn.Invoke(callCtx, fullMethod(phase), req, new(structpb.Struct))
		cancel()
		if err == nil {
			return nil
		}

		lastErr = err
		if !transient(err) {
			return fmt.Errorf("remote %s failed: %w", strings.ToLower(phase), err)
		}
	}

	return fmt.Errorf("remote %s failed after %d attempts: %w", strings.ToLower(phase), maxAttempts, lastErr)
}

func (p *Participant) request(ctx context.Context) *structpb.Struct {
	fields := map[string]*structpb.Value{
		"participant_id": structpb.NewStringValue(p.id),
	}
	if txID, ok := txn.TransactionIDFromContext(ctx); ok {
		fields["transaction_id"] = structpb.NewStringValue(txID)
	}
	return &structpb.Struct{Fields: fields}
}

func transient(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
		return true
	default:
		return false
	}
}

func backoffFor(err error, attempt int) time.Duration {
	if hint, ok := retryHint(err); ok {
		return hint
	}
	return time.Duration(attempt) * 100 * time.Millisecond
}

// retryHint extracts the backoff a participant attached to its status error.
func retryHint(err error) (time.Duration, bool) {
	st, ok := status.FromError(err)
	if !ok {
		return 0, false
	}
	for _, detail := range st.Details() {
		if info, ok := detail.(*errdetails.RetryInfo); ok {
			if d := info.GetRetryDelay().AsDuration(); d > 0 {
				return d, true
			}
		}
	}
	return 0, false
}
