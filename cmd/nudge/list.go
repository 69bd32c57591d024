package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli"

	"github.com/dukerupert/nudge/internal/database"
	"github.com/dukerupert/nudge/internal/model"
	"github.com/dukerupert/nudge/internal/recurrence"
	"github.com/dukerupert/nudge/internal/store"
)

var listFlags = []cli.Flag{
	cli.IntFlag{
		Name:  "limit, n",
		Usage: "maximum number of upcoming schedules",
		Value: 50,
	},
	cli.StringFlag{
		Name:  "status, s",
		Usage: "only show schedules in this status (pending, firing)",
	},
}

func list(c *cli.Context) error {
	cfg, _, err := loadConfig(c)
	if err != nil {
		return err
	}
	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ctx := context.Background()
	schedules := store.NewScheduleStore(db)

	var items []model.Schedule
	if status := model.Status(c.String("status")); status != "" {
		if !status.Valid() {
			return fmt.Errorf("unknown status %q", status)
		}
		items, err = schedules.ListByStatus(ctx, status)
	} else {
		items, err = schedules.ListUpcoming(ctx, c.Int("limit"))
	}
	if err != nil {
		return err
	}

	if len(items) == 0 {
		fmt.Fprintln(c.App.Writer, "no schedules")
		return nil
	}

	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFIRE AT\tSTATUS\tTARGET\tTITLE\tREPEATS")
	for _, s := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID,
			s.FireAt.Local().Format(time.DateTime),
			s.Status,
			s.Target.Type,
			s.Payload.Title,
			recurrence.Describe(s.Recurrence),
		)
	}
	return tw.Flush()
}
