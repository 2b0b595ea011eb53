package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/charmbracelet/huh"

	"sortbox/internal/harvest"
)

func runReset(cfgPath string, args []string) error {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	yes := fs.Bool("yes", false, "do not ask for confirmation")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if !*yes {
		confirmed := false
		err := huh.NewConfirm().
			Title("Reset sortbox?").
			Description("Every tranche, every harvested message and the saved login are deleted.").
			Affirmative("Reset").
			Negative("Cancel").
			Value(&confirmed).
			Run()
		if err != nil {
			return err
		}
		if !confirmed {
			fmt.Println("Reset cancelled.")
			return nil
		}
	}

	e, err := openEnv(cfgPath)
	if err != nil {
		return err
	}
	defer e.Close()

	// Reset never talks to the mailbox, so no provider is needed.
	sched := harvest.NewScheduler(e.store, nil, e.cfg.Harvest.Scheduler(), e.log)
	if err := sched.Reset(context.Background()); err != nil {
		return err
	}
	if err := e.forgetLogin(); err != nil {
		return err
	}
	fmt.Println("Reset complete. The next start asks you to log in again.")
	return nil
}
