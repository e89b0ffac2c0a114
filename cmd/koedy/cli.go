package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/koedyhq/koedy/pkg/agent"
	"github.com/koedyhq/koedy/pkg/bus"
	"github.com/koedyhq/koedy/pkg/channels"
	"github.com/koedyhq/koedy/pkg/config"
	"github.com/koedyhq/koedy/pkg/logger"
	"github.com/koedyhq/koedy/pkg/memory"
	"github.com/koedyhq/koedy/pkg/providers"
)

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   "koedy",
		Short: "Personal companion assistant with tiered long-term memory",
		Long: strings.TrimSpace(`koedy is a personal conversational assistant that remembers.

Raw conversation rolls up into summaries, old summaries compress into a
permanent ancient-history ledger, and the assistant keeps its own notes
across sessions. Chat locally, or run the Discord gateway.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")

	root.AddCommand(newOnboardCommand())
	root.AddCommand(newChatCommand())
	root.AddCommand(newGatewayCommand())
	root.AddCommand(newExportCommand())
	root.AddCommand(newSearchCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newVersionCommand())

	return root
}

func newOnboardCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "onboard",
		Short:   "Initialize ~/.koedy config and workspace",
		Example: "  koedy onboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := getConfigPath()
			if _, err := os.Stat(configPath); err == nil {
				fmt.Println("Config already exists:", configPath)
				return nil
			}

			cfg := config.DefaultConfig()
			if err := config.SaveConfig(configPath, cfg); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			if err := os.MkdirAll(cfg.WorkspacePath(), 0755); err != nil {
				return fmt.Errorf("create workspace: %w", err)
			}

			fmt.Println("Created config:", configPath)
			fmt.Println("Created workspace:", cfg.WorkspacePath())
			fmt.Println("Next: set provider.api_key, then run `koedy chat`")
			return nil
		},
	}
}

// resolveUser turns --user / --code flags into an internal user id. An
// access code wins over an explicit user id.
func resolveUser(cfg *config.Config, userFlag, codeFlag string) (string, error) {
	if code := strings.TrimSpace(codeFlag); code != "" {
		userID, ok := cfg.ResolveAccessCode(code)
		if !ok {
			return "", fmt.Errorf("unknown access code")
		}
		return userID, nil
	}
	if userFlag != "" {
		return userFlag, nil
	}
	return "default", nil
}

func buildAgent(cfg *config.Config) (*agent.Agent, *memory.SQLiteStore, error) {
	if strings.TrimSpace(cfg.Provider.APIKey) == "" {
		return nil, nil, fmt.Errorf("provider.api_key is required (or set KOEDY_PROVIDER_API_KEY)")
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	provider := providers.NewAnthropicProvider(cfg.Provider.APIKey, cfg.Provider.APIBase, cfg.Provider.Model)
	return agent.New(store, provider, cfg), store, nil
}

func newChatCommand() *cobra.Command {
	var (
		user    string
		code    string
		message string
		debug   bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat locally (interactive or one-shot)",
		Example: strings.Join([]string{
			"  koedy chat",
			"  koedy chat --code swordfish",
			"  koedy chat --message \"how was my week?\"",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				logger.SetLevel(logger.DEBUG)
			}

			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			userID, err := resolveUser(cfg, user, code)
			if err != nil {
				return err
			}

			ag, store, err := buildAgent(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if strings.TrimSpace(message) != "" {
				reply, err := ag.HandleTurn(cmd.Context(), userID, message)
				if err != nil {
					return err
				}
				fmt.Printf("\n%s: %s\n", appName, reply)
				return nil
			}

			fmt.Printf("%s interactive mode (Ctrl+C to exit)\n\n", appName)
			return interactiveChat(ag, userID)
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "User id to chat as")
	cmd.Flags().StringVarP(&code, "code", "c", "", "Access code resolving to a user id")
	cmd.Flags().StringVarP(&message, "message", "m", "", "One-shot message instead of interactive mode")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

func interactiveChat(ag *agent.Agent, userID string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "You: ",
		HistoryFile:     filepath.Join(os.TempDir(), ".koedy_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return nil
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Goodbye!")
			return nil
		}

		reply, err := ag.HandleTurn(context.Background(), userID, input)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}
		fmt.Printf("\n%s: %s\n\n", appName, reply)
	}
}

func newGatewayCommand() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:     "gateway",
		Short:   "Run the Discord gateway",
		Example: "  koedy gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				logger.SetLevel(logger.DEBUG)
			}

			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ag, store, err := buildAgent(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			msgBus := bus.NewMessageBus()
			manager, err := channels.NewManager(cfg, msgBus)
			if err != nil {
				return fmt.Errorf("create channel manager: %w", err)
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if err := manager.StartAll(ctx); err != nil {
				return fmt.Errorf("start channels: %w", err)
			}

			go ag.Run(ctx, msgBus)

			fmt.Println("Gateway started. Press Ctrl+C to stop")

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt)
			<-sigChan

			fmt.Println("\nShutting down...")
			cancel()
			if err := manager.StopAll(context.Background()); err != nil {
				logger.WarnCF("gateway", "Channel shutdown error", map[string]any{"error": err.Error()})
			}
			msgBus.Close()
			fmt.Println("Gateway stopped")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func newExportCommand() *cobra.Command {
	var (
		user string
		out  string
	)

	cmd := &cobra.Command{
		Use:     "export",
		Short:   "Export a user's full memory state as JSON",
		Example: "  koedy export --user alice --out alice.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			store, err := openStore(cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()

			userID := user
			if userID == "" {
				userID = "default"
			}

			exp, err := memory.BuildExport(cmd.Context(), store, userID)
			if err != nil {
				return err
			}

			path := out
			if path == "" {
				path = fmt.Sprintf("koedy-export-%s.json", userID)
			}
			if err := memory.WriteExport(path, exp); err != nil {
				return err
			}

			fmt.Printf("Exported %d messages, %d summaries, %d ancient entries to %s\n",
				len(exp.Messages), len(exp.Summaries), len(exp.Ancient), path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "User id to export")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file path")
	return cmd
}

func newSearchCommand() *cobra.Command {
	var (
		user  string
		limit int
	)

	cmd := &cobra.Command{
		Use:     "search <query>",
		Short:   "Search archived conversation history",
		Example: "  koedy search --user alice \"piano recital\"",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			store, err := openStore(cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()

			userID := user
			if userID == "" {
				userID = "default"
			}

			query := strings.Join(args, " ")
			entries, err := store.SearchExtendedHistory(cmd.Context(), userID, query, limit)
			if err != nil {
				return err
			}

			if len(entries) == 0 {
				fmt.Println("No matches.")
				return nil
			}

			for _, e := range entries {
				fmt.Printf("[Turns %d-%d] %s: %s\n", e.TurnStart, e.TurnEnd, e.Role, e.Content)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "User id to search")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum matches to print")
	return cmd
}

func newStatusCommand() *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:     "status",
		Short:   "Show config, workspace, and per-user memory state",
		Example: "  koedy status --user alice",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			configPath := getConfigPath()
			fmt.Printf("%s status\n", appName)
			fmt.Printf("Version: %s\n\n", formatVersion())

			mark := func(ok bool) string {
				if ok {
					return "ok"
				}
				return "missing"
			}

			_, cfgErr := os.Stat(configPath)
			fmt.Printf("Config: %s (%s)\n", configPath, mark(cfgErr == nil))

			workspace := cfg.WorkspacePath()
			_, wsErr := os.Stat(workspace)
			fmt.Printf("Workspace: %s (%s)\n", workspace, mark(wsErr == nil))

			dbPath := filepath.Join(workspace, "state", "memory.db")
			_, dbErr := os.Stat(dbPath)
			fmt.Printf("Memory DB: %s (%s)\n", dbPath, mark(dbErr == nil))

			fmt.Printf("Model: %s\n", cfg.Provider.Model)
			fmt.Printf("API key: %s\n", mark(strings.TrimSpace(cfg.Provider.APIKey) != ""))
			fmt.Printf("Discord token: %s\n", mark(strings.TrimSpace(cfg.Channels.Discord.Token) != ""))

			if dbErr != nil {
				return nil
			}

			store, err := openStore(cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()

			userID := user
			if userID == "" {
				userID = "default"
			}

			ctx := cmd.Context()
			turn, err := store.TurnCounter(ctx, userID)
			if err != nil {
				return err
			}
			count, err := store.MessageCount(ctx, userID)
			if err != nil {
				return err
			}
			totals, err := store.TotalUsage(ctx, userID)
			if err != nil {
				return err
			}

			fmt.Printf("\nUser %q:\n", userID)
			fmt.Printf("  Turn counter: %d\n", turn)
			fmt.Printf("  Raw messages: %d\n", count)
			fmt.Printf("  Tokens: %d in / %d out\n", totals.InputTokens, totals.OutputTokens)
			fmt.Printf("  Spend: $%.4f of $%.2f\n", totals.TotalCost, cfg.SpendLimitFor(userID))
			return nil
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "User id to inspect")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show build/version metadata",
		Run: func(cmd *cobra.Command, args []string) {
			printVersion()
		},
	}
}
