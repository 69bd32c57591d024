package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli"

	"github.com/dukerupert/nudge/internal/backup"
	"github.com/dukerupert/nudge/internal/database"
	"github.com/dukerupert/nudge/internal/server"
	"github.com/dukerupert/nudge/internal/store"
)

type backupEnv struct {
	dbPath  string
	manager *backup.Manager
	backups *store.BackupStore
	close   func() error
}

func openBackup(c *cli.Context) (*backupEnv, error) {
	cfg, logger, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	bs := store.NewBackupStore(db)
	m := backup.NewManager(server.BackupConfig(cfg), db, bs, logger, nil)
	if !m.Enabled() {
		db.Close()
		return nil, backup.ErrDisabled
	}
	return &backupEnv{dbPath: cfg.Database.Path, manager: m, backups: bs, close: db.Close}, nil
}

func backupRun(c *cli.Context) error {
	env, err := openBackup(c)
	if err != nil {
		return err
	}
	defer env.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	b, err := env.manager.Run(ctx)
	if err != nil {
		return err
	}
	if _, err := env.manager.Prune(ctx); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "backup %d uploaded to %s (%d bytes)\n", b.ID, b.S3Key, b.SizeBytes)
	return nil
}

func backupList(c *cli.Context) error {
	env, err := openBackup(c)
	if err != nil {
		return err
	}
	defer env.close()

	list, err := env.manager.List(context.Background(), 50)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(c.App.Writer, "no backups")
		return nil
	}
	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tSTATUS\tSIZE\tTOOK\tKEY")
	for _, b := range list {
		took := "-"
		if d := b.Duration(); d > 0 {
			took = d.Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\n", b.ID, b.StartedAt.Local().Format(time.DateTime), b.Status, b.SizeBytes, took, b.S3Key)
	}
	return tw.Flush()
}

// backupRestore downloads and verifies a backup next to the database, then
// swaps it in once the database is closed. The service must be stopped.
func backupRestore(c *cli.Context) error {
	arg := c.Args().First()
	if arg == "" {
		return cli.NewExitError("usage: nudge backup restore <backup id | latest>", 2)
	}

	env, err := openBackup(c)
	if err != nil {
		return err
	}
	closed := false
	defer func() {
		if !closed {
			env.close()
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var id int64
	if arg == "latest" {
		latest, err := env.backups.LatestCompleted(ctx)
		if err != nil {
			return err
		}
		if latest == nil {
			return errors.New("no completed backup to restore")
		}
		id = latest.ID
	} else {
		id, err = strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid backup id %q", arg)
		}
	}

	staged := env.dbPath + ".restore"
	if err := env.manager.Restore(ctx, id, staged); err != nil {
		os.Remove(staged)
		return err
	}

	closed = true
	if err := env.close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	if err := backup.Install(staged, env.dbPath); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "restored backup %d into %s\n", id, env.dbPath)
	return nil
}
