package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/xhad/lexqa/server"
)

var askSession string

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask questions about the ingested statute",
	Long: `With a question argument, prints one answer and exits. Without one, starts
an interactive session; type "history" to show the session so far and "exit"
to quit.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVarP(&askSession, "session", "s", "", "session id to continue (default: a new random id)")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx, config, wireOptions{answering: true})
	if err != nil {
		return err
	}
	defer a.close()

	sessionID := askSession
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	if len(args) == 1 {
		return askOnce(ctx, cmd.OutOrStdout(), a.pipeline, sessionID, args[0])
	}
	return chatLoop(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), a.pipeline, sessionID)
}

func askOnce(ctx context.Context, out io.Writer, p server.Answerer, sessionID, question string) error {
	answer, err := p.Answer(ctx, question, sessionID)
	if err != nil {
		return errors.New(answer.Error)
	}
	printAnswer(out, answer.Answer, answer.SourceDocument, answer.Citations)
	return nil
}

func chatLoop(ctx context.Context, in io.Reader, out io.Writer, p server.Answerer, sessionID string) error {
	cyan := color.New(color.FgCyan)
	userPrompt := color.New(color.FgGreen).FprintfFunc()
	errorf := color.New(color.FgRed).FprintfFunc()

	cyan.Fprintf(out, "\nAsk about the statute (type 'exit' to quit), session %s\n", sessionID)

	scanner := bufio.NewScanner(in)
	for {
		userPrompt(out, "\nYou: ")
		if !scanner.Scan() {
			break
		}

		query := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(query) {
		case "":
			continue
		case "exit", "quit":
			return nil
		case "history":
			turns, err := p.History(ctx, sessionID, 0)
			if err != nil {
				errorf(out, "Error: %v\n", err)
				continue
			}
			if len(turns) == 0 {
				fmt.Fprintln(out, "No history yet.")
			}
			for _, t := range turns {
				fmt.Fprintf(out, "[%s] %s\n", t.Role, t.Text)
			}
			continue
		}

		spinner := getSpinner(out, " Searching the Act...")
		answer, err := p.Answer(ctx, query, sessionID)
		_ = spinner.Finish()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errorf(out, "Error: %s\n", answer.Error)
			continue
		}
		printAnswer(out, answer.Answer, answer.SourceDocument, answer.Citations)
	}
	return scanner.Err()
}

func printAnswer(out io.Writer, text, source string, citations []string) {
	assistantPrompt := color.New(color.FgCyan).FprintfFunc()
	assistantPrompt(out, "\nAssistant: %s\n", text)
	if len(citations) > 0 {
		color.New(color.FgBlue).Fprintf(out, "  %s, sections %s\n", source, strings.Join(citations, ", "))
	}
}
