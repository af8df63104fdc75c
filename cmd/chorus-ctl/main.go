package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"chorus/internal/ipc"
)

var (
	socket  string
	sayUser string
)

var rootCmd = &cobra.Command{
	Use:   "chorus-ctl",
	Short: "Control a running chorusd",
	Long: `chorus-ctl talks to the chorusd control socket.

Available commands:
  status - show daemon state, mode and adapters
  token  - inject a trigger token
  say    - send a message and print the reply
  mode   - show or switch the active mode
  reload - re-read the config table`,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon state, mode and adapters",
	RunE:  runStatus,
}

var tokenCmd = &cobra.Command{
	Use:   "token <token>",
	Short: "Inject a trigger token",
	Args:  cobra.ExactArgs(1),
	RunE:  runToken,
}

var sayCmd = &cobra.Command{
	Use:   "say <text>...",
	Short: "Send a message and print the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSay,
}

var modeCmd = &cobra.Command{
	Use:   "mode [name]",
	Short: "Show or switch the active mode",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runMode,
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Re-read the config table",
	RunE:  runReload,
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&socket, "socket", "s", "/tmp/chorusd.sock", "chorusd control socket")
	sayCmd.Flags().StringVarP(&sayUser, "user", "u", "", "conversational identity for the message")
	rootCmd.AddCommand(statusCmd, tokenCmd, sayCmd, modeCmd, reloadCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func send(req ipc.Request) (ipc.Response, error) {
	resp, err := ipc.Send(socket, req)
	if err != nil {
		return ipc.Response{}, fmt.Errorf("chorusd not reachable at %s: %w", socket, err)
	}
	return resp, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	resp, err := send(ipc.Request{Cmd: "status"})
	if err != nil {
		return err
	}
	if resp.Status == nil {
		return errors.New("malformed response: no status")
	}
	st := resp.Status

	if st.State == "running" {
		color.Green("state:    %s", st.State)
	} else {
		color.Yellow("state:    %s", st.State)
	}
	fmt.Printf("mode:     %s\n", st.Mode)
	fmt.Printf("up:       %s\n", time.Since(st.Since).Round(time.Second))
	fmt.Printf("contexts: %d\n", st.Contexts)
	for _, a := range st.Adapters {
		if a.Running {
			color.Green("adapter   %-10s running", a.Name)
		} else {
			color.Red("adapter   %-10s stopped", a.Name)
		}
	}
	return nil
}

func runToken(cmd *cobra.Command, args []string) error {
	resp, err := send(ipc.Request{Cmd: "token", Arg: args[0]})
	if err != nil {
		return err
	}
	if !resp.OK {
		color.Yellow("ignored: %s", resp.Error)
		return nil
	}
	color.Green("handled, mode: %s", resp.Mode)
	return nil
}

func runSay(cmd *cobra.Command, args []string) error {
	resp, err := send(ipc.Request{Cmd: "say", Arg: strings.Join(args, " "), User: sayUser})
	if err != nil {
		return err
	}
	if !resp.OK {
		return errors.New(resp.Error)
	}
	if resp.Reply == "" {
		color.Yellow("(no reply)")
		return nil
	}
	fmt.Println(resp.Reply)
	return nil
}

func runMode(cmd *cobra.Command, args []string) error {
	req := ipc.Request{Cmd: "mode"}
	if len(args) == 1 {
		req.Arg = args[0]
	}
	resp, err := send(req)
	if err != nil {
		return err
	}
	if !resp.OK {
		return errors.New(resp.Error)
	}
	if resp.Reply != "" {
		fmt.Println(resp.Reply)
	}
	color.Cyan("mode: %s", resp.Mode)
	return nil
}

func runReload(cmd *cobra.Command, args []string) error {
	resp, err := send(ipc.Request{Cmd: "reload"})
	if err != nil {
		return err
	}
	if !resp.OK {
		return errors.New(resp.Error)
	}
	color.Green("config reloaded")
	return nil
}
