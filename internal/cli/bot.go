package cli

import (
	"errors"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/cobra"

	"github.com/tendant/simple-recipe-pipeline/internal/app"
	"github.com/tendant/simple-recipe-pipeline/internal/telegram"
)

var botCmd = &cobra.Command{
	Use:   "bot",
	Short: "Run the Telegram bot",
	Long:  `Long-polls Telegram for photos and answers each with a recipe. Needs TELEGRAM_BOT_TOKEN.`,
	RunE:  runBot,
}

func init() {
	rootCmd.AddCommand(botCmd)
}

func runBot(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Telegram.Token == "" {
		return errors.New("TELEGRAM_BOT_TOKEN is required")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, app.WithoutAsync())
	if err != nil {
		return err
	}
	defer a.Close()

	api, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		return err
	}
	api.Debug = false
	logger.Info("Telegram bot authorized", "account", api.Self.UserName)

	bot := telegram.New(api, cfg.Telegram.Token, a.Runner, telegram.WithLogger(logger.WithName("telegram")))
	return telegram.Listen(ctx, api, bot)
}
