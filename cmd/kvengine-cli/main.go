package main

// kvengine-cli is a thin client for exercising a running kvengine-server's
// views from the command line: put/get/remove against a CSP, modeled on the
// teacher's cmd/cli subcommand style (cmd/cli/connection_pool.go).

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"latticekv/core"
)

var (
	addr string
	csp  string
)

func dialClient(ctx context.Context) (*core.Client, error) {
	dialer := core.NewConnDialer(core.NewDialer(5*time.Second, 30*time.Second))
	client := core.NewClient(addr, core.ClientConfig{Codec: core.BinaryCodec{}, Dialer: dialer})
	go client.Run(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := client.Call(ctx, csp, core.EventDocument{Name: "size"}); err == nil {
			return client, nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil, fmt.Errorf("kvengine-cli: could not reach %s", addr)
}

func runPut(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	client, err := dialClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	req := core.EventDocument{Name: "getAndPut", Args: core.NewDocument(
		core.Field{Name: "key", Value: core.VString(args[0])},
		core.Field{Name: "value", Value: core.VBytes([]byte(args[1]))},
	)}
	reply, err := client.Call(ctx, csp, req)
	if err != nil {
		return err
	}
	v, _ := reply.Arg("value")
	fmt.Fprintf(cmd.OutOrStdout(), "previous: %q\n", string(v.Bytes))
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	client, err := dialClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	req := core.EventDocument{Name: "get", Args: core.NewDocument(core.Field{Name: "key", Value: core.VString(args[0])})}
	reply, err := client.Call(ctx, csp, req)
	if err != nil {
		return err
	}
	v, _ := reply.Arg("value")
	fmt.Fprintln(cmd.OutOrStdout(), string(v.Bytes))
	return nil
}

func runRemove(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	client, err := dialClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	req := core.EventDocument{Name: "getAndRemove", Args: core.NewDocument(core.Field{Name: "key", Value: core.VString(args[0])})}
	reply, err := client.Call(ctx, csp, req)
	if err != nil {
		return err
	}
	v, _ := reply.Arg("value")
	fmt.Fprintf(cmd.OutOrStdout(), "removed: %q\n", string(v.Bytes))
	return nil
}

func main() {
	rootCmd := &cobra.Command{Use: "kvengine-cli"}
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "127.0.0.1:7070", "server address")
	rootCmd.PersistentFlags().StringVar(&csp, "csp", "/kv?view=default", "content-service-path of the target view")

	rootCmd.AddCommand(&cobra.Command{Use: "put <key> <value>", Args: cobra.ExactArgs(2), RunE: runPut})
	rootCmd.AddCommand(&cobra.Command{Use: "get <key>", Args: cobra.ExactArgs(1), RunE: runGet})
	rootCmd.AddCommand(&cobra.Command{Use: "remove <key>", Args: cobra.ExactArgs(1), RunE: runRemove})

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
