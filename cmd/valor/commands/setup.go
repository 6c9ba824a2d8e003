package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/valor-bot/valor/pkg/valor/bridge"
	"github.com/valor-bot/valor/pkg/valor/config"
)

// newSetupCmd creates the `valor setup` command for interactive configuration.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Starts an interactive wizard to create your initial valor.yaml.
Asks for the assistant name, trigger keyword, project map and channels.
API keys go to the OS keyring, never into the YAML.

Examples:
  valor setup`,
		RunE: runSetup,
	}
}

func runSetup(cmd *cobra.Command, _ []string) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("setup requires an interactive terminal")
	}

	cfg := config.Default()

	var (
		projectKey    string
		projectDir    string
		projectChats  string
		classifierKey string
		discordToken  string
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Assistant name").
				Value(&cfg.Name),
			huh.NewInput().
				Title("Trigger keyword for group chats").
				Description("Messages in groups must start with this word. Empty responds to everything.").
				Placeholder("@valor").
				Value(&cfg.Bridge.Trigger),
			huh.NewSelect[string]().
				Title("Log format").
				Options(
					huh.NewOption("text", "text"),
					huh.NewOption("json", "json"),
				).
				Value(&cfg.Logging.Format),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("First project key").
				Description("Queue lane identifier, e.g. \"backend\".").
				Value(&projectKey),
			huh.NewInput().
				Title("Project directory").
				Description("Working directory the coding agent runs in.").
				Value(&projectDir),
			huh.NewInput().
				Title("Chats routed to this project").
				Description("Comma-separated chat IDs, optionally scoped as channel:chatID. Empty makes it the default project.").
				Value(&projectChats),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable WhatsApp").
				Value(&cfg.Channels.WhatsApp.Enabled),
			huh.NewConfirm().
				Title("Enable Discord").
				Value(&cfg.Channels.Discord.Enabled),
			huh.NewInput().
				Title("Discord bot token").
				EchoMode(huh.EchoModePassword).
				Value(&discordToken),
			huh.NewConfirm().
				Title("Enable local console channel").
				Value(&cfg.Channels.Console),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Classifier API base URL").
				Description("OpenAI-compatible endpoint used to classify agent output.").
				Placeholder("https://api.openai.com/v1").
				Value(&cfg.Classifier.BaseURL),
			huh.NewInput().
				Title("Classifier model").
				Placeholder("gpt-4o-mini").
				Value(&cfg.Classifier.Model),
			huh.NewInput().
				Title("Classifier API key").
				EchoMode(huh.EchoModePassword).
				Value(&classifierKey),
		),
	)

	if err := form.Run(); err != nil {
		return err
	}

	project := bridge.Project{
		Key: strings.TrimSpace(projectKey),
		Dir: strings.TrimSpace(projectDir),
	}
	for _, chat := range strings.Split(projectChats, ",") {
		if chat = strings.TrimSpace(chat); chat != "" {
			project.Chats = append(project.Chats, chat)
		}
	}
	if len(project.Chats) == 0 {
		project.Default = true
	}
	if project.Key != "" {
		cfg.Bridge.Projects = append(cfg.Bridge.Projects, project)
	}

	// Probe the keyring once; on headless boxes without a Secret Service
	// every Set would fail the same way, so skip the attempts entirely.
	keyringOK := config.KeyringAvailable()
	if !keyringOK && (classifierKey != "" || discordToken != "") {
		fmt.Println("  [!] No usable OS keyring found for secrets.")
		fmt.Println("      Set VALOR_CLASSIFIER_API_KEY / VALOR_DISCORD_TOKEN in the environment or .env instead.")
	}
	storeSecret := func(name, key, value, envVar string) {
		if value == "" || !keyringOK {
			return
		}
		if err := config.StoreSecret(key, value); err != nil {
			fmt.Printf("  [!] Could not store %s in the OS keyring (%v).\n", name, err)
			fmt.Printf("      Set %s in the environment or .env instead.\n", envVar)
			return
		}
		fmt.Printf("  %s stored in the OS keyring.\n", name)
	}
	storeSecret("classifier API key", config.KeyClassifierAPIKey, classifierKey, "VALOR_CLASSIFIER_API_KEY")
	storeSecret("Discord token", config.KeyDiscordToken, discordToken, "VALOR_DISCORD_TOKEN")

	if err := config.Save(cfg, config.DefaultPath); err != nil {
		return err
	}

	fmt.Println()
	fmt.Printf("Configuration written to %s.\n", config.DefaultPath)
	fmt.Println("Run `valor serve` to start the daemon.")
	return nil
}
