package main

import (
	"fmt"

	"github.com/urfave/cli"

	"github.com/dukerupert/nudge/internal/push"
)

func keys(c *cli.Context) error {
	pub, priv, err := push.GenerateVAPIDKeys()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "NUDGE_VAPID_PUBLIC_KEY=%s\nNUDGE_VAPID_PRIVATE_KEY=%s\n", pub, priv)
	return nil
}
