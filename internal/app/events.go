package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"
)

// Events prints the journal, optionally pruning old entries first.
func (a *App) Events(ctx context.Context, out io.Writer, opts EventsOptions) error {
	journal, err := a.openJournal(ctx)
	if err != nil {
		return err
	}
	if journal == nil {
		return errors.New("database not configured; cannot show events")
	}
	defer journal.Close()

	if opts.PruneBefore > 0 {
		cutoff := time.Now().UTC().Add(-opts.PruneBefore)
		n, err := journal.DeleteEventsBefore(ctx, cutoff)
		if err != nil {
			return err
		}
		a.Logger.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("pruned journal")
	}

	rows, err := journal.ListRecentEvents(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintln(out, "no events found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tAction\tPhase\tRecord\tRisk\tLiquidity\tMessage")
	for _, row := range rows {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			row.OccurredAt.UTC().Format(time.RFC3339),
			row.Action,
			row.Phase,
			row.RecordID,
			row.RiskScore,
			row.Liquidity.StringFixed(2),
			sanitizeInline(row.Message),
		)
	}
	return writer.Flush()
}
