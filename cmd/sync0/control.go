package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"sync0/internal/sync0"
)

var (
	controlAddr      string
	controlPushTitle string
	controlPushBody  string
)

func init() {
	controlCmd.Flags().StringVar(&controlAddr, "addr", "http://127.0.0.1:8090", "address of the running sync0 service")
	controlCmd.Flags().StringVar(&controlPushTitle, "title", "", "notification title (PUSH only)")
	controlCmd.Flags().StringVar(&controlPushBody, "body", "", "notification body (PUSH only)")
	rootCmd.AddCommand(controlCmd)
}

var controlCmd = &cobra.Command{
	Use:   "control TYPE",
	Short: "Send a control message to a running service",
	Long: "Send one control message over the service's control socket.\n" +
		"TYPE is one of: SKIP_WAITING, GET_VERSION, CLEAR_CACHE, SYNC, PUSH.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		client, err := sync0.DialControl(ctx, controlAddr)
		if err != nil {
			return err
		}
		defer client.Close()

		switch args[0] {
		case "SKIP_WAITING":
			if err := client.SkipWaiting(ctx); err != nil {
				return err
			}
			fmt.Println("ok")
		case "GET_VERSION":
			v, err := client.Version(ctx)
			if err != nil {
				return err
			}
			fmt.Println(v)
		case "CLEAR_CACHE":
			if err := client.ClearCache(ctx); err != nil {
				return err
			}
			fmt.Println("ok")
		case "SYNC":
			pending, err := client.Sync(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("sync signaled, %d item(s) pending\n", pending)
		case "PUSH":
			n, err := client.Push(ctx, sync0.PushPayload{Title: controlPushTitle, Body: controlPushBody})
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", n.Title, n.Body)
		default:
			return fmt.Errorf("unknown control type %q", args[0])
		}
		return nil
	},
}
