package main

import (
	"context"
	"fmt"
	"os"

	"github.com/kadirpekel/cortex/pkg/config"
	"github.com/kadirpekel/cortex/pkg/config/provider"
	"github.com/kadirpekel/cortex/pkg/recipe"
)

// ValidateCmd validates a configuration file and its recipes without
// starting anything.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("--config is required for validate")
	}

	fp, err := provider.NewFileProvider(cli.Config)
	if err != nil {
		return fmt.Errorf("failed to open config: %w", err)
	}
	defer fp.Close()

	cfg, err := config.NewLoader(fp).Load(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("Configuration valid: %s\n", cli.Config)
	fmt.Printf("  Name:        %s\n", cfg.Name)
	fmt.Printf("  Server:      %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	for role, llm := range cfg.LLMs {
		fmt.Printf("  LLM %-12s %s (%s)\n", role+":", llm.Model, llm.BaseURL)
	}
	fmt.Printf("  Memory:      %s\n", cfg.Paths.MemoryRoot)
	fmt.Printf("  Transcripts: %s\n", cfg.Paths.TranscriptsDir)

	return validateRecipes(cfg.Paths.RecipesDir)
}

// validateRecipes loads every recipe and resolves its fragment, so a
// broken recipe fails here instead of mid-turn.
func validateRecipes(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		fmt.Printf("  Recipes:     %s (missing, built-in prompts only)\n", dir)
		return nil
	}

	loader, err := recipe.NewLoader(dir)
	if err != nil {
		return fmt.Errorf("recipes invalid: %w", err)
	}
	defer loader.Close()

	names := loader.Names()
	for _, name := range names {
		r, _ := loader.Get(name)
		if _, err := loader.Fragment(r); err != nil {
			return fmt.Errorf("recipe '%s': %w", name, err)
		}
	}
	fmt.Printf("  Recipes:     %s (%d valid)\n", dir, len(names))
	return nil
}
