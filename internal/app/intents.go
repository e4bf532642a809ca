package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"

	"exchange-risk-ledger/internal/model"
	"exchange-risk-ledger/internal/workflow"
)

// withRuntime runs fn against a freshly wired runtime and releases it after.
func (a *App) withRuntime(ctx context.Context, fn func(rt *runtime) error) error {
	rt, err := a.newRuntime(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		rt.Close(closeCtx)
	}()
	return fn(rt)
}

// Submit creates one record and prints it.
func (a *App) Submit(ctx context.Context, out io.Writer, sub workflow.Submission) error {
	return a.withRuntime(ctx, func(rt *runtime) error {
		rec, err := rt.controller.Create(ctx, sub)
		if err != nil {
			return err
		}
		printStatus(out, rt.controller.Status())
		fmt.Fprintf(out, "id: %s\n", rec.ID)
		return nil
	})
}

// Decide verifies or rejects the record id.
func (a *App) Decide(ctx context.Context, out io.Writer, id string, status model.Status) error {
	return a.withRuntime(ctx, func(rt *runtime) error {
		var err error
		switch status {
		case model.StatusVerified:
			_, err = rt.controller.Verify(ctx, id)
		case model.StatusRejected:
			_, err = rt.controller.Reject(ctx, id)
		default:
			return fmt.Errorf("cannot decide record %s as %q", id, status)
		}
		if err != nil {
			return err
		}
		printStatus(out, rt.controller.Status())
		return nil
	})
}

func printStatus(out io.Writer, st workflow.Status) {
	if !st.Visible {
		return
	}
	fmt.Fprintf(out, "[%s] %s\n", st.Phase, st.Message)
}

func formatLiquidity(v float64) string {
	return "$" + decimal.NewFromFloat(v).StringFixed(2) + "M"
}
