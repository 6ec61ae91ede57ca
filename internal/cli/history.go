package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"ayurvaid-agent/internal/consultation"
	"ayurvaid-agent/internal/database"
)

func init() {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List a caller's conversations",
		Run:   runHistory,
	}

	cmd.Flags().StringP("caller", "c", "", "Caller ID (required)")
	cmd.Flags().StringP("conversation", "i", "", "Print the transcript of one conversation instead")
	cmd.Flags().Bool("json", false, "Output JSON")
	cmd.MarkFlagRequired("caller")

	RootCmd.AddCommand(cmd)
}

func runHistory(cmd *cobra.Command, args []string) {
	caller, _ := cmd.Flags().GetString("caller")
	conversationID, _ := cmd.Flags().GetString("conversation")
	asJSON, _ := cmd.Flags().GetBool("json")

	cfg := loadConfig()
	dialect := dialectOf(cfg)
	db, err := database.Open(cmd.Context(), dialect, cfg.DatabaseURL)
	if err != nil {
		exitErr("open database", err)
	}
	defer db.Close()

	repo := consultation.NewRepository(db, dialect)
	svc := consultation.NewService(consultation.Dependencies{Transcripts: repo, Intakes: repo})

	if conversationID != "" {
		turns, err := svc.Transcript(cmd.Context(), caller, conversationID)
		if err != nil {
			exitErr("transcript", err)
		}
		if asJSON {
			printJSON(turns)
			return
		}
		for _, t := range turns {
			fmt.Printf("%-9s %s  %s\n", t.Role, humanize.Time(t.CreatedAt), t.Content)
		}
		return
	}

	convs, err := svc.Conversations(cmd.Context(), caller)
	if err != nil {
		exitErr("conversations", err)
	}
	if asJSON {
		printJSON(convs)
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLAST ACTIVE\tNAME")
	for _, c := range convs {
		fmt.Fprintf(w, "%s\t%s\t%s\n", c.ConversationID, humanize.Time(c.LatestAt), c.Name)
	}
	w.Flush()
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}
