package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aryabyte21/taskboard/client/board"
	"github.com/aryabyte21/taskboard/client/boardui"
	"github.com/aryabyte21/taskboard/client/feed"
	"github.com/aryabyte21/taskboard/client/tasksync"
	"github.com/aryabyte21/taskboard/domain"
)

func (a *app) newSubscriber(opts ...feed.Option) *feed.Subscriber {
	opts = append([]feed.Option{
		feed.WithBearer(a.cfg.Token),
		feed.WithLogger(a.logger),
	}, opts...)
	return feed.NewSubscriber(a.client.StreamURL(), opts...)
}

func boardCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "board",
		Short: "Open the interactive board",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			store := tasksync.New(a.client, a.logger)
			// Events missed while disconnected are recovered by a full refetch.
			sub := a.newSubscriber(feed.WithReconnectHook(func() {
				_ = store.LoadAll(ctx)
			}))
			dispose := store.Bind(sub)
			defer dispose()

			engine := board.New(store, store, a.logger)
			defer engine.Close()

			go func() {
				if err := sub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					a.logger.WithError(err).Error("live updates stopped")
				}
			}()
			return boardui.Run(ctx, store, engine)
		},
	}
}

func watchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print live updates as they happen",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			sub := a.newSubscriber(
				feed.WithStateHook(func(connected bool) {
					if connected {
						fmt.Fprintln(out, "connected")
					}
				}),
			)
			sub.Subscribe(func(ev domain.Event) {
				fmt.Fprintln(out, formatEvent(time.Now(), ev))
			})
			err := sub.Run(cmd.Context())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func formatEvent(at time.Time, ev domain.Event) string {
	stamp := at.Format("15:04:05")
	switch ev.Action {
	case domain.ActionCreate, domain.ActionUpdate:
		return fmt.Sprintf("%s %-7s %s  %s [%s]", stamp, ev.Action, ev.Task.ID, ev.Task.Title, ev.Task.Status)
	case domain.ActionDestroy:
		return fmt.Sprintf("%s %-7s %s", stamp, ev.Action, ev.ID)
	}
	return fmt.Sprintf("%s %s", stamp, ev.Action)
}
