// Command proactorctl is a small harness over the proactor package,
// grounded on the cobra-based CLI structure RTradeLtd-gaio's sibling
// examples in the pack use for their own dev-facing tools.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/meshlink/proactor"
	"github.com/meshlink/proactor/internal/echodriver"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "proactorctl",
		Short: "drive a proactor.Proactor from the command line",
	}
	root.AddCommand(listenCmd(), echoClientCmd(), disconnectCmd())
	return root
}

func listenCmd() *cobra.Command {
	var addr string
	var idle time.Duration
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "accept connections on addr and echo every byte back",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := proactor.Create()
			if err != nil {
				return err
			}
			defer p.Free()

			l, err := p.Listen(addr)
			if err != nil {
				return err
			}
			fmt.Printf("listening on %s\n", addr)

			for {
				batch, err := p.Wait()
				if err != nil {
					return err
				}
				for {
					ev, ok := batch.Next()
					if !ok {
						break
					}
					switch ev.Type {
					case proactor.EventListenerAccept:
						conn, err := p.Accept(ev.Transport, echodriver.New(idle))
						if err != nil {
							fmt.Fprintf(os.Stderr, "accept: %v\n", err)
							continue
						}
						_ = conn
					case proactor.EventListenerClose:
						fmt.Println("listener closed")
					}
				}
				if err := p.Done(batch); err != nil {
					return err
				}
				_ = l
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":5672", "address to listen on")
	cmd.Flags().DurationVar(&idle, "idle", 0, "idle timeout per accepted connection (0 disables)")
	return cmd
}

func echoClientCmd() *cobra.Command {
	var addr, payload string
	cmd := &cobra.Command{
		Use:   "echo-client",
		Short: "connect to addr and drain events until Wait or Done fails (payload is not sent, nothing is printed)",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := proactor.Create()
			if err != nil {
				return err
			}
			defer p.Free()

			d := echodriver.New(5 * time.Second)
			conn, err := p.Connect(addr, d)
			if err != nil {
				return err
			}
			_ = conn

			for {
				batch, err := p.Wait()
				if err != nil {
					return err
				}
				for {
					_, ok := batch.Next()
					if !ok {
						break
					}
				}
				if err := p.Done(batch); err != nil {
					return err
				}
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:5672", "address to connect to")
	cmd.Flags().StringVar(&payload, "payload", "hello", "payload value (accepted but not sent by this command)")
	return cmd
}

func disconnectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "disconnect",
		Short: "demonstrate a proactor-wide disconnect sweep against an idle proactor",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := proactor.Create()
			if err != nil {
				return err
			}
			defer p.Free()
			p.Disconnect(proactor.Condition{Name: "amqp:connection:forced", Description: "operator requested shutdown"})
			fmt.Println("disconnect sweep issued")
			return nil
		},
	}
	return cmd
}
