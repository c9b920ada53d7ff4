package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"sia/internal/prompts"
)

var (
	askRAG bool
	rawOut bool
)

// askCmd answers one question under the active prompt
var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask the assistant a question",
	Long: `Answers under the active prompt. With --rag, the three best matches from the
retrieval store are added to the prompt as context.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		answer, err := pipe.Ask(cmd.Context(), strings.Join(args, " "), askRAG)
		if err != nil {
			return err
		}
		fmt.Print(renderMarkdown(answer))
		return nil
	},
}

// learnCmd ingests web results for one query
var learnCmd = &cobra.Command{
	Use:   "learn <query>",
	Short: "Search the web and store what was fetched",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := pipe.Learn(cmd.Context(), strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Printf("learned %d page(s)\n", res.Count)
		for _, u := range res.Learned {
			fmt.Printf("  - %s\n", u)
		}
		return nil
	},
}

// promptCmd prints the active prompt
var promptCmd = &cobra.Command{
	Use:   "prompt",
	Short: "Show the active prompt",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store := prompts.NewStore(cfg.ActivePromptPath(), cfg.CandidatePaths())
		text, err := store.Active()
		if err != nil {
			return err
		}
		if text == "" {
			fmt.Printf("(no active prompt at %s)\n", store.ActivePath())
			return nil
		}
		fmt.Print(renderMarkdown(text))
		return nil
	},
}

// renderMarkdown renders text for the terminal unless --raw is set or the
// renderer is unavailable.
func renderMarkdown(text string) string {
	if rawOut {
		return ensureNewline(text)
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)
	if err != nil {
		return ensureNewline(text)
	}
	out, err := r.Render(text)
	if err != nil {
		return ensureNewline(text)
	}
	return out
}

func ensureNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

func init() {
	askCmd.Flags().BoolVar(&askRAG, "rag", false, "Add retrieval context to the prompt")
	askCmd.Flags().BoolVar(&rawOut, "raw", false, "Print without markdown rendering")
	promptCmd.Flags().BoolVar(&rawOut, "raw", false, "Print without markdown rendering")
}
