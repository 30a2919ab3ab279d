package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"warden/internal/embedding"
	"warden/internal/skills"
)

var skillsCmd = &cobra.Command{
	Use:   "skills",
	Short: "Inspect the skill memory",
}

var skillsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Dump all stored skills as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSkills()
		if err != nil {
			return err
		}
		defer store.Close()
		return store.Export(cmd.Context(), os.Stdout)
	},
}

var skillsQueryCmd = &cobra.Command{
	Use:   "query [text]",
	Short: "Find skills similar to a task description",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSkills()
		if err != nil {
			return err
		}
		defer store.Close()

		matches, err := store.Query(cmd.Context(), strings.Join(args, " "))
		if err != nil {
			return err
		}
		if len(matches) == 0 {
			fmt.Println("no matching skills")
			return nil
		}
		for _, m := range matches {
			fmt.Printf("%.3f  %s  [%s]  (used %d times)\n    %s\n",
				m.Similarity, m.Skill.ID, m.Skill.Category, m.Skill.SuccessCount, m.Skill.Title)
		}
		return nil
	},
}

var skillsExportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Write the skill memory to a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSkills()
		if err != nil {
			return err
		}
		defer store.Close()

		f, err := os.Create(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		if err := store.Export(cmd.Context(), f); err != nil {
			return err
		}
		fmt.Printf("exported to %s\n", args[0])
		return nil
	},
}

func openSkills() (*skills.Store, error) {
	engine, err := embedding.NewEngine(cfg.Inference.Embedding)
	if err != nil {
		return nil, fmt.Errorf("embedding engine: %w", err)
	}
	return skills.Open(cfg.Memory.DatabasePath, engine,
		cfg.Memory.SimilarityThreshold, cfg.Memory.MaxResults)
}

func init() {
	skillsCmd.AddCommand(skillsListCmd, skillsQueryCmd, skillsExportCmd)
}
