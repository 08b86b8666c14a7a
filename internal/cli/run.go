package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/harun/orbit/internal/tracing"
	"github.com/harun/orbit/pkg/agent"
	"github.com/spf13/cobra"
)

var runSessionID string

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Run a prompt through the agent",
	Long: `Run a prompt through the agent and stream the reply to stdout.
Without arguments the prompt is read from stdin. Use --session to continue
an existing conversation; otherwise a new session is created.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runSessionID, "session", "s", "", "session to continue")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	input, err := readPrompt(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}

	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	rt, err := newAgentRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = tracing.NewRunContext(ctx, runSessionID)

	var events <-chan agent.Event
	if runSessionID == "" {
		events = rt.agent.Execute(ctx, input)
	} else {
		events = rt.agent.ContinueConversation(ctx, runSessionID, input)
	}

	printer := &eventPrinter{out: cmd.OutOrStdout(), status: cmd.ErrOrStderr()}
	var runErr error
	for ev := range events {
		if err := printer.handle(ev); err != nil && runErr == nil {
			runErr = err
		}
	}
	return runErr
}

func readPrompt(stdin io.Reader, args []string) (string, error) {
	input := strings.TrimSpace(strings.Join(args, " "))
	if input == "" && stdin != nil {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read prompt: %w", err)
		}
		input = strings.TrimSpace(string(data))
	}
	if input == "" {
		return "", fmt.Errorf("prompt is required")
	}
	return input, nil
}
