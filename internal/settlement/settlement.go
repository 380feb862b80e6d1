// Package settlement decides and executes the on-chain outcome of a
// finalized call session: forward the escrow to the callee, refund it to
// the caller, or escalate to stuck for an operator. It fires once per
// terminal session but must be safe to invoke redundantly.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mkarel/ringlock/internal/calls"
	"github.com/mkarel/ringlock/internal/directory"
	"github.com/mkarel/ringlock/internal/logging"
	"github.com/mkarel/ringlock/internal/payments"
	"github.com/mkarel/ringlock/internal/retry"
	"github.com/mkarel/ringlock/internal/traces"
	"github.com/mkarel/ringlock/internal/usdc"
	"github.com/mkarel/ringlock/internal/wallet"
)

var (
	// ErrCalleeUnresolvable means the payout address cannot be found.
	// No retry fixes this; the payment goes straight to stuck.
	ErrCalleeUnresolvable = errors.New("settlement: callee payout address unresolvable")

	// ErrUnrecognizedStatus means the session carries a status outside
	// the settlement decision table. Rejected, never defaulted.
	ErrUnrecognizedStatus = errors.New("settlement: unrecognized session status")
)

// zeroValueNote marks settlements where fees consumed the full price and
// no transfer was submitted.
const zeroValueNote = "zero-value settlement, no transfer"

// Config carries the fee and retry parameters.
type Config struct {
	// AntiSpamFee is the fixed fee (USDC decimal string) withheld from
	// refunds. Paying it is the cost of making someone's phone ring.
	AntiSpamFee string
	// PlatformFeeBps is the platform cut on forwarded payouts, in basis
	// points.
	PlatformFeeBps int64
	// MaxAttempts bounds transfer submission retries.
	MaxAttempts int
	// BaseDelay is the initial retry backoff.
	BaseDelay time.Duration
	// ConfirmTimeout bounds the wait for on-chain confirmation.
	ConfirmTimeout time.Duration
}

// Engine executes settlements.
type Engine struct {
	cfg        Config
	payments   *payments.Service
	directory  *directory.Service
	transactor wallet.Transactor

	antiSpamFee *big.Int

	// inflight guards at-most-one running settlement per payment id.
	// The payment status CAS is the durable guarantee; this just stops
	// redundant RPC work inside one process.
	inflight sync.Map
}

// NewEngine creates a settlement engine.
func NewEngine(cfg Config, pay *payments.Service, dir *directory.Service, tx wallet.Transactor) (*Engine, error) {
	fee, ok := usdc.Parse(cfg.AntiSpamFee)
	if !ok {
		return nil, fmt.Errorf("settlement: invalid anti-spam fee %q", cfg.AntiSpamFee)
	}
	if cfg.PlatformFeeBps < 0 || cfg.PlatformFeeBps > 10000 {
		return nil, fmt.Errorf("settlement: platform fee bps out of range: %d", cfg.PlatformFeeBps)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 2 * time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = wallet.DefaultConfirmationTimeout
	}

	return &Engine{
		cfg:         cfg,
		payments:    pay,
		directory:   dir,
		transactor:  tx,
		antiSpamFee: fee,
	}, nil
}

// SettleAsync runs Settle on its own goroutine so telephony callback
// responses never wait on a chain transaction. The background context
// carries the request logger for correlation.
func (e *Engine) SettleAsync(ctx context.Context, session *calls.Session) {
	log := logging.FromContext(ctx)
	bg := logging.WithLogger(context.Background(), log)

	go func() {
		ctx, cancel := context.WithTimeout(bg, 2*time.Minute)
		defer cancel()

		if err := e.Settle(ctx, session); err != nil {
			log.Error("settlement failed",
				slog.String("payment_id", session.PaymentID),
				slog.String("error", err.Error()))
		}
	}()
}

// SessionSource resolves the session owning a payment, for the
// reconciler.
type SessionSource interface {
	GetByPaymentID(ctx context.Context, paymentID string) (*calls.Session, error)
}

// ReconcileHeld re-drives settlement for held payments whose session is
// already terminal. The finalization trigger fires settlement on a
// background goroutine, so a crash or error between finalize and settle
// can strand an escrow in held; this sweep picks those up on startup
// and on an interval. Payments whose session is still live are skipped.
// Returns the number of payments re-driven.
func (e *Engine) ReconcileHeld(ctx context.Context, sessions SessionSource) (int, error) {
	held, err := e.payments.ListHeld(ctx, 100)
	if err != nil {
		return 0, err
	}

	log := logging.FromContext(ctx)
	settled := 0
	for _, p := range held {
		session, err := sessions.GetByPaymentID(ctx, p.ID)
		if err != nil {
			if errors.Is(err, calls.ErrSessionNotFound) {
				// Confirmation is still between payment and session
				// creation, or the process died there. Leave it for the
				// operator surface rather than guessing an outcome.
				continue
			}
			return settled, err
		}
		if !session.Terminal() {
			continue
		}

		log.Warn("re-driving settlement for stranded escrow",
			slog.String("payment_id", p.ID),
			slog.String("session_id", session.ID),
			slog.String("session_status", string(session.Status)))

		if err := e.Settle(ctx, session); err != nil {
			log.Error("reconcile settle failed",
				slog.String("payment_id", p.ID),
				slog.String("error", err.Error()))
			continue
		}
		settled++
	}
	return settled, nil
}

// StartReconciler runs ReconcileHeld immediately and then on an interval
// until ctx is cancelled.
func (e *Engine) StartReconciler(ctx context.Context, sessions SessionSource, interval time.Duration) {
	go func() {
		run := func() {
			if _, err := e.ReconcileHeld(ctx, sessions); err != nil {
				logging.FromContext(ctx).Error("held-payment reconcile failed",
					slog.String("error", err.Error()))
			}
		}
		run()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}

// Settle executes the settlement for a terminal session. Redundant
// invocations are no-ops: the payment status gates the actual transfer.
func (e *Engine) Settle(ctx context.Context, session *calls.Session) error {
	if !session.Terminal() {
		return fmt.Errorf("settlement: session %s is not terminal", session.ID)
	}

	// One settlement in flight per payment within this process.
	if _, loaded := e.inflight.LoadOrStore(session.PaymentID, struct{}{}); loaded {
		return nil
	}
	defer e.inflight.Delete(session.PaymentID)

	ctx, span := traces.StartSpan(ctx, "settlement.settle",
		traces.SessionID(session.ID), traces.PaymentID(session.PaymentID))
	defer span.End()

	payment, err := e.payments.Get(ctx, session.PaymentID)
	if err != nil {
		return err
	}
	if payment.Status != payments.StatusHeld {
		// Already settled or stuck; nothing to do.
		return nil
	}

	price, ok := usdc.Parse(payment.Amount)
	if !ok {
		return fmt.Errorf("settlement: invalid payment amount %q", payment.Amount)
	}

	switch session.Status {
	case calls.StatusVerified, calls.StatusCompleted:
		return e.forward(ctx, session, payment, price)
	case calls.StatusFailed, calls.StatusVoicemail:
		return e.refund(ctx, payment, price)
	default:
		return fmt.Errorf("%w: %s", ErrUnrecognizedStatus, session.Status)
	}
}

// forward pays the callee: price minus the platform fee.
func (e *Engine) forward(ctx context.Context, session *calls.Session, payment *payments.Payment, price *big.Int) error {
	entry, err := e.directory.Get(ctx, session.CalleeRoutingID)
	if err != nil {
		// No payout address, no retry will help.
		_, stuckErr := e.payments.MarkStuck(ctx, payment.ID, ErrCalleeUnresolvable.Error())
		if stuckErr != nil && !errors.Is(stuckErr, payments.ErrAlreadySettled) {
			return stuckErr
		}
		return ErrCalleeUnresolvable
	}

	fee := usdc.ApplyBps(price, e.cfg.PlatformFeeBps)
	payout := usdc.SubFloor(price, fee)

	logging.FromContext(ctx).Info("forwarding escrow to callee",
		slog.String("payment_id", payment.ID),
		slog.String("routing_id", session.CalleeRoutingID),
		slog.String("payout", usdc.Format(payout)))

	return e.execute(ctx, payment, payments.StatusForwarded, entry.PayoutAddress, payout)
}

// refund returns the escrow to the caller: price minus the anti-spam
// fee, floored at zero.
func (e *Engine) refund(ctx context.Context, payment *payments.Payment, price *big.Int) error {
	amount := usdc.SubFloor(price, e.antiSpamFee)

	logging.FromContext(ctx).Info("refunding escrow to caller",
		slog.String("payment_id", payment.ID),
		slog.String("refund", usdc.Format(amount)))

	return e.execute(ctx, payment, payments.StatusRefunded, payment.CallerAddress, amount)
}

// execute submits the transfer with bounded retries and records the
// outcome on the payment. A zero amount skips the transfer entirely but
// still moves the payment out of held.
func (e *Engine) execute(ctx context.Context, payment *payments.Payment, status payments.Status, to string, amount *big.Int) error {
	if amount.Sign() <= 0 {
		_, err := e.payments.MarkSettled(ctx, payment.ID, status, "", zeroValueNote)
		if errors.Is(err, payments.ErrAlreadySettled) {
			return nil
		}
		return err
	}

	var txHash string
	err := retry.Do(ctx, e.cfg.MaxAttempts, e.cfg.BaseDelay, func() error {
		result, err := e.transactor.Transfer(ctx, common.HexToAddress(to), amount)
		if err != nil {
			return err
		}
		if _, err := e.transactor.WaitForConfirmation(ctx, result.TxHash, e.cfg.ConfirmTimeout); err != nil {
			// A reverted transfer will revert again.
			if errors.Is(err, wallet.ErrTransactionFailed) {
				return retry.Permanent(err)
			}
			return err
		}
		txHash = result.TxHash
		return nil
	})
	if err != nil {
		_, stuckErr := e.payments.MarkStuck(ctx, payment.ID, err.Error())
		if stuckErr != nil && !errors.Is(stuckErr, payments.ErrAlreadySettled) {
			return stuckErr
		}
		return err
	}

	_, err = e.payments.MarkSettled(ctx, payment.ID, status, txHash, "")
	if errors.Is(err, payments.ErrAlreadySettled) {
		return nil
	}
	return err
}
