package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/linarealestate/linabot/internal/bus"
	"github.com/linarealestate/linabot/internal/config"
	"github.com/linarealestate/linabot/internal/gateway"
	"github.com/linarealestate/linabot/internal/persona"
	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"
)

// ChatOptions for running the local chat with custom dependencies
type ChatOptions struct {
	Gateway gateway.Options
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
}

var rootCmd = &cobra.Command{
	Use:   "linabot",
	Short: "linabot - LINA Real Estate customer assistant",
}

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"gateway"},
	Short:   "Start the assistant (Telegram + web chat + scheduled jobs)",
	RunE:    runServe,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the assistant locally, one message or REPL",
	RunE:  runChat,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Write the default config and persona file",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show linabot configuration",
	RunE:  runStatus,
}

var qrCmd = &cobra.Command{
	Use:   "qr [url]",
	Short: "Print a QR code linking customers to the bot",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runQR,
}

var (
	messageFlag string
	botFlag     string
)

func init() {
	chatCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")
	qrCmd.Flags().StringVar(&botFlag, "bot", "", "Telegram bot username for a t.me deep link")
	rootCmd.AddCommand(serveCmd, chatCmd, onboardCmd, statusCmd, qrCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(context.Background())
}

func runChat(cmd *cobra.Command, args []string) error {
	return runChatWithOptions(ChatOptions{})
}

// runChatWithOptions drives the same assistant loop the channels use, with
// stdin as the customer.
func runChatWithOptions(opts ChatOptions) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.Channels = config.ChannelsConfig{}
	cfg.KeepAlive.URL = ""

	gw, err := gateway.NewWithOptions(cfg, opts.Gateway)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	defer gw.Shutdown()

	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	ctx := context.Background()
	gw.Discover(ctx)
	a := gw.Assistant()

	ask := func(sessionID, text string) {
		msg := bus.InboundMessage{
			Channel:  "cli",
			SenderID: "local",
			ChatID:   sessionID,
			ChatType: bus.ChatPrivate,
			Content:  text,
		}
		if text == "/reset" || text == "/start" {
			msg.Content = ""
			msg.Command = bus.CommandReset
		}
		reply, ok := a.Handle(ctx, msg)
		if !ok {
			fmt.Fprintln(stderr, "(no reply)")
			return
		}
		fmt.Fprintln(stdout, reply)
	}

	// Single message mode
	if messageFlag != "" {
		ask("cli", messageFlag)
		return nil
	}

	// REPL mode
	fmt.Fprintln(stdout, "linabot chat (/reset to start over, 'exit' to quit)")
	fmt.Fprintln(stdout, a.Persona().Greeting)
	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}
		ask("cli-repl", input)
	}
	return nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	return onboard(cmd.OutOrStdout())
}

func onboard(w io.Writer) error {
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(w, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(w, "Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if dir := filepath.Dir(cfg.Assistant.PersonaPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create persona dir: %w", err)
		}
	}
	writeIfNotExists(w, cfg.Assistant.PersonaPath, persona.DefaultContent())

	fmt.Fprintln(w, "\nNext steps:")
	fmt.Fprintf(w, "  1. Edit %s to set your API key and Telegram token\n", cfgPath)
	fmt.Fprintln(w, "  2. Or set GEMINI_API_KEY and TELEGRAM_BOT_TOKEN (a .env file works too)")
	fmt.Fprintf(w, "  3. Adjust the replies in %s\n", cfg.Assistant.PersonaPath)
	fmt.Fprintln(w, "  4. Run 'linabot chat -m \"שלום\"' to test")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	return status(cmd.OutOrStdout())
}

func status(w io.Writer) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(w, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(w, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(w, "Provider: %s\n", providerDisplay(cfg.Provider.Type))
	fmt.Fprintf(w, "API Key: %s\n", maskKey(cfg.Provider.APIKey))

	var models []string
	for _, ep := range cfg.ResolvedEndpoints() {
		models = append(models, ep.Model)
	}
	fmt.Fprintf(w, "Models: %s\n", strings.Join(models, " -> "))
	fmt.Fprintf(w, "Qualification: %v\n", cfg.Assistant.Qualification)

	if _, err := os.Stat(cfg.Assistant.PersonaPath); err != nil {
		fmt.Fprintln(w, "Persona: built-in (run 'linabot onboard' to customize)")
	} else {
		fmt.Fprintf(w, "Persona: %s\n", cfg.Assistant.PersonaPath)
	}

	fmt.Fprintf(w, "Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
	fmt.Fprintf(w, "Web chat: enabled=%v port=%d\n", cfg.Channels.WebChat.Enabled, cfg.Gateway.Port)
	fmt.Fprintf(w, "Lead notify: telegram=%v twilio=%v\n", cfg.Notify.Telegram.Enabled, cfg.Notify.Twilio.Enabled)
	if cfg.KeepAlive.URL != "" {
		fmt.Fprintf(w, "Keep-alive: %s (%s)\n", cfg.KeepAlive.URL, cfg.KeepAlive.Schedule)
	}
	return nil
}

func runQR(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	target, err := qrTarget(cfg, args, botFlag)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	qrterminal.GenerateHalfBlock(target, qrterminal.L, w)
	fmt.Fprintln(w, target)
	return nil
}

// qrTarget picks what the QR code links to: an explicit URL, the bot's
// t.me link, or the public web address.
func qrTarget(cfg *config.Config, args []string, bot string) (string, error) {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		return strings.TrimSpace(args[0]), nil
	}
	if bot = strings.TrimPrefix(strings.TrimSpace(bot), "@"); bot != "" {
		return "https://t.me/" + bot, nil
	}
	if u := cfg.Channels.WebChat.PublicURL; u != "" {
		return u, nil
	}
	if u := cfg.KeepAlive.URL; u != "" {
		return u, nil
	}
	return "", fmt.Errorf("nothing to link to: pass a URL, --bot <username>, or set channels.webChat.publicUrl")
}

func providerDisplay(t string) string {
	if t == "" {
		return config.DefaultProviderType + " (default)"
	}
	return t
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}

func writeIfNotExists(w io.Writer, path, content string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = os.WriteFile(path, []byte(content), 0644)
		fmt.Fprintf(w, "  Created: %s\n", path)
	}
}
