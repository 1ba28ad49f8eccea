package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/autopilot/internal/knowledge"
)

var (
	lessonTags  []string
	lessonLimit int
)

var lessonsCmd = &cobra.Command{
	Use:   "lessons",
	Short: "List durable lessons from the knowledge store",
	Long: `Lessons prints entries recorded by recovery, most important first.

Filter with one or more --tag flags; an entry matches when it carries
any of the given tags.`,
	Args: cobra.NoArgs,
	RunE: listLessons,
}

func init() {
	lessonsCmd.Flags().StringSliceVarP(&lessonTags, "tag", "t", nil, "Only show lessons with this tag (repeatable)")
	lessonsCmd.Flags().IntVarP(&lessonLimit, "limit", "n", 20, "Maximum number of lessons")
}

func listLessons(cmd *cobra.Command, args []string) error {
	if cfg.Knowledge.Path == "" {
		return errors.New("knowledge store disabled (knowledge.path is empty)")
	}
	if _, err := os.Stat(cfg.Knowledge.Path); errors.Is(err, os.ErrNotExist) {
		fmt.Println("No lessons recorded yet.")
		return nil
	}
	store, err := knowledge.Open(cfg.Knowledge.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.Query(cmd.Context(), lessonTags, lessonLimit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No matching lessons.")
		return nil
	}
	for _, e := range entries {
		fmt.Println(renderLesson(e))
	}
	return nil
}
