package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/luma/beacon/client"
	"github.com/luma/beacon/internal/env"
	"github.com/luma/beacon/protocol"
)

var sendTimeout time.Duration

func init() {
	flags := SendCmd.PersistentFlags()

	flags.DurationVarP(&sendTimeout, "timeout", "t", 5*time.Second, "How long to wait for the reply")
}

var SendCmd = &cobra.Command{
	Use:   "send COMMAND [ARG...]",
	Short: "Send one command and print the reply",
	Long: `Send one command and print the reply

Usage
	beacon send SET greeting hello
	beacon send GET greeting

The server address and password come from BEACON_ADDR and
BEACON_PASSWORD (or .env.local).
`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

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
		})
		if err != nil {
			return err
		}
		defer conn.Close()

		cmdArgs := make([][]byte, 0, len(args)-1)
		for _, arg := range args[1:] {
			cmdArgs = append(cmdArgs, []byte(arg))
		}

		v, err := conn.Command(ctx, strings.ToUpper(args[0]), cmdArgs...)
		if err != nil {
			return err
		}

		fmt.Println(renderValue(v))

		return nil
	},
}

func renderValue(v protocol.Value) string {
	if v.IsNull() {
		return "(nil)"
	}

	switch v.Kind {
	case protocol.KindInteger:
		return fmt.Sprintf("(integer) %d", v.Num)

	case protocol.KindArray:
		if len(v.Elems) == 0 {
			return "(empty array)"
		}
		lines := make([]string, 0, len(v.Elems))
		for i, elem := range v.Elems {
			lines = append(lines, fmt.Sprintf("%d) %s", i+1, renderValue(elem)))
		}
		return strings.Join(lines, "\n")

	default:
		return fmt.Sprintf("%q", v.Str)
	}
}
