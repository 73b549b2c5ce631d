package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newListenCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Answer every command spoken after a wake word",
		Long: `Run the wake-word loop.

Capture stays open while the gate listens. An utterance starting with one of
wakeword.keywords is answered by the agent and the reply is spoken. Edits to
the config file take effect for the next reply or capture session.

Examples:
  voxgate listen
  voxgate -c voxgate.yaml --log-level debug listen`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			ctx, rt, err := setup(cmd, flags)
			if err != nil {
				return err
			}
			defer func() { err = joinStop(err, rt) }()
			stopWatch := watch(flags, rt)
			defer stopWatch()
			return rt.app.Listen(ctx)
		},
	}
}

func newPTTCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ptt",
		Short: "Push-to-talk: Enter starts and stops recording",
		Long: `Push-to-talk mode.

Press Enter to start recording and Enter again to stop. The transcript is sent
to the agent and the reply is spoken. Starting a recording interrupts the
reply that is playing. Close stdin (Ctrl+D) or press Ctrl+C to quit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			ctx, rt, err := setup(cmd, flags)
			if err != nil {
				return err
			}
			defer func() { err = joinStop(err, rt) }()
			stopWatch := watch(flags, rt)
			defer stopWatch()
			return rt.app.PushToTalk(ctx, cmd.InOrStdin())
		},
	}
}

func newSayCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "say <text>",
		Short: "Speak a text through the synthesis pipeline",
		Long: `Segment, synthesise and play a text, then exit.

Examples:
  voxgate say "你好，欢迎使用语音助手。"
  echo "long text" | voxgate say -`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			text := strings.Join(args, " ")
			if text == "-" {
				b, rerr := io.ReadAll(cmd.InOrStdin())
				if rerr != nil {
					return fmt.Errorf("read stdin: %w", rerr)
				}
				text = string(b)
			}
			if strings.TrimSpace(text) == "" {
				return fmt.Errorf("nothing to say")
			}
			ctx, rt, err := setup(cmd, flags)
			if err != nil {
				return err
			}
			defer func() { err = joinStop(err, rt) }()
			return rt.app.Say(ctx, text)
		},
	}
}

func newVoicesCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "voices",
		Short: "List the synthesis voices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			ctx, rt, err := setup(cmd, flags)
			if err != nil {
				return err
			}
			defer func() { err = joinStop(err, rt) }()

			voices, lerr := rt.app.Voices(ctx)
			if lerr != nil && len(voices) == 0 {
				return fmt.Errorf("list voices: %w", lerr)
			}
			if lerr != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v (showing built-in voices)\n", lerr)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tLANGUAGE")
			for _, v := range voices {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", v.ID, v.Name, v.Language)
			}
			return tw.Flush()
		},
	}
}

func joinStop(err error, rt *runtime) error {
	if serr := rt.stop(); serr != nil && err == nil {
		return serr
	}
	return err
}

// console prints the conversation for a human at a terminal.
type console struct {
	mu sync.Mutex
	w  io.Writer
}

func newConsole(w io.Writer) *console {
	if w == nil {
		w = os.Stdout
	}
	return &console{w: w}
}

func (c *console) Heard(text string)   { c.printf("you> %s\n", text) }
func (c *console) Replied(text string) { c.printf("bot> %s\n", text) }
func (c *console) Status(msg string)   { c.printf("[%s]\n", msg) }

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, format, args...)
}
