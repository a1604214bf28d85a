package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/beacon/client"
	"github.com/luma/beacon/internal/env"
	"github.com/luma/beacon/protocol"
)

var subscribePatterns bool

func init() {
	flags := SubscribeCmd.PersistentFlags()

	flags.BoolVarP(&subscribePatterns, "patterns", "P", false, "Treat the arguments as glob patterns (PSUBSCRIBE)")
}

var SubscribeCmd = &cobra.Command{
	Use:   "subscribe CHANNEL [CHANNEL...]",
	Short: "Subscribe to channels and print messages until interrupted",
	Long: `Subscribe to channels and print messages until interrupted

Usage
	beacon subscribe news alerts
	beacon subscribe --patterns 'news.*'

`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
		defer signalStop()

		log, err := env.MakeLogger()
		if err != nil {
			return err
		}

		conf, err := env.LoadConfig(ctx)
		if err != nil {
			return err
		}

		conn, err := client.Dial(ctx, conf.Addr, client.Options{
			Password: conf.Password,
			Log:      log,
			OnError: func(err error) {
				log.Error("Connection failed", zap.Error(err))
			},
		})
		if err != nil {
			return err
		}
		defer conn.Close()

		handler := func(channel string, payload protocol.Value) {
			fmt.Printf("[%s] %s\n", channel, payload.Text())
		}

		var sub *client.Subscription
		if subscribePatterns {
			sub, err = conn.PSubscribe(ctx, args, handler)
		} else {
			sub, err = conn.Subscribe(ctx, args, handler)
		}
		if err != nil {
			return err
		}

		log.Info("Subscribed", zap.Strings("names", sub.Names()))

		select {
		case <-ctx.Done():
			// Interrupted; closing the connection drops the
			// subscriptions server side too.
		case <-conn.Done():
		}

		return nil
	},
}
