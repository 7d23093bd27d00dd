// Package telegram is a chat front-end: users send a photo of their
// ingredients and get a recipe back.
package telegram

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-logr/logr"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/errgroup"

	logutil "github.com/tendant/simple-recipe-pipeline/internal/logging"
	"github.com/tendant/simple-recipe-pipeline/internal/storage"
	"github.com/tendant/simple-recipe-pipeline/pkg/pipeline"
)

const (
	defaultFileURL = "https://api.telegram.org/file/bot%s/%s"
	maxMessageLen  = 3900
	helpText       = "Send me a photo of your ingredients and I will suggest a recipe.\nCommands: /start, /help"
)

// API is the part of tgbotapi.BotAPI the bot uses.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetFile(config tgbotapi.FileConfig) (tgbotapi.File, error)
}

// Runner executes recipe requests synchronously.
type Runner interface {
	Run(ctx context.Context, req pipeline.RecipeRequest) (pipeline.RecipeResponse, error)
}

// Bot turns chat messages into recipe requests.
type Bot struct {
	api        API
	token      string
	runner     Runner
	fileURL    string
	httpClient *http.Client
	workers    int
	logger     logr.Logger
}

// Option configures a Bot.
type Option func(*Bot)

// WithFileURL overrides the file download URL format (token, file path).
func WithFileURL(format string) Option {
	return func(b *Bot) { b.fileURL = format }
}

// WithWorkers bounds how many updates are handled at once.
func WithWorkers(n int) Option {
	return func(b *Bot) { b.workers = n }
}

// WithLogger sets the bot's logger.
func WithLogger(l logr.Logger) Option {
	return func(b *Bot) { b.logger = l }
}

// New creates a bot. token is used to build file download URLs.
func New(api API, token string, runner Runner, opts ...Option) *Bot {
	b := &Bot{
		api:        api,
		token:      token,
		runner:     runner,
		fileURL:    defaultFileURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		workers:    4,
		logger:     logr.Discard(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Listen long-polls for updates until ctx is done.
func Listen(ctx context.Context, api *tgbotapi.BotAPI, b *Bot) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := api.GetUpdatesChan(u)
	defer api.StopReceivingUpdates()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)
	for {
		select {
		case <-ctx.Done():
			return g.Wait()
		case upd, ok := <-updates:
			if !ok {
				return g.Wait()
			}
			g.Go(func() error {
				b.HandleUpdate(gctx, upd)
				return nil
			})
		}
	}
}

// HandleUpdate answers one update.
func (b *Bot) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil {
		return
	}
	chatID := msg.Chat.ID

	if msg.IsCommand() {
		switch msg.Command() {
		case "start", "help":
			b.send(chatID, helpText)
		default:
			b.send(chatID, "Unknown command.\n"+helpText)
		}
		return
	}

	fileID := imageFileID(msg)
	if fileID == "" {
		b.send(chatID, helpText)
		return
	}

	image, err := b.download(ctx, fileID)
	if err != nil {
		b.logger.Error(err, "Failed to download photo", "chatID", chatID)
		b.send(chatID, "Sorry, I could not download that photo. Please try again.")
		return
	}

	b.send(chatID, "Looking at your ingredients...")
	req := pipeline.RecipeRequest{
		RequestID: fmt.Sprintf("tg-%d-%d", chatID, msg.MessageID),
		UserID:    userID(msg),
		ImageB64:  base64.StdEncoding.EncodeToString(image),
	}
	resp, err := b.runner.Run(logr.NewContext(ctx, b.logger), req)
	if err != nil {
		b.logger.V(logutil.VERBOSE).Info("Recipe request failed", "requestID", req.RequestID, "err", err.Error())
	}
	b.send(chatID, FormatResponse(resp))
}

func (b *Bot) send(chatID int64, text string) {
	if len(text) > maxMessageLen {
		text = text[:maxMessageLen] + "…"
	}
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		b.logger.Error(err, "Failed to send message", "chatID", chatID)
	}
}

func (b *Bot) download(ctx context.Context, fileID string) ([]byte, error) {
	file, err := b.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	url := fmt.Sprintf(b.fileURL, b.token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("file download returned status %d", resp.StatusCode)
	}
	return storage.ReadImage(resp.Body)
}

// imageFileID picks the largest photo size, or an image sent as a document.
func imageFileID(msg *tgbotapi.Message) string {
	if n := len(msg.Photo); n > 0 {
		return msg.Photo[n-1].FileID
	}
	if msg.Document != nil && strings.HasPrefix(msg.Document.MimeType, "image/") {
		return msg.Document.FileID
	}
	return ""
}

func userID(msg *tgbotapi.Message) string {
	if msg.From != nil {
		return fmt.Sprintf("telegram:%d", msg.From.ID)
	}
	return fmt.Sprintf("telegram-chat:%d", msg.Chat.ID)
}

var failureText = map[pipeline.Reason]string{
	pipeline.ReasonNoIngredients:     "I could not recognize any ingredients in that photo. Try a clearer shot.",
	pipeline.ReasonResourceExhausted: "I'm busy right now. Please try again in a moment.",
	pipeline.ReasonDetectionFailure:  "Ingredient recognition failed. Please try again.",
	pipeline.ReasonGenerationFailure: "I could not write a recipe this time. Please try again.",
	pipeline.ReasonGenerationTimeout: "Writing the recipe took too long. Please try again.",
	pipeline.ReasonInvalidRequest:    "That does not look like an image I can read.",
}

// FormatResponse renders a recipe response as a chat message.
func FormatResponse(resp pipeline.RecipeResponse) string {
	if resp.Failure != nil {
		if text, ok := failureText[resp.Failure.Reason]; ok {
			return text
		}
		return "Something went wrong. Please try again later."
	}

	var result pipeline.CachedResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "Something went wrong. Please try again later."
	}

	var sb strings.Builder
	r := result.Recipe
	sb.WriteString(r.Title)
	if r.Minutes > 0 {
		fmt.Fprintf(&sb, " (%d min)", r.Minutes)
	}
	sb.WriteString("\n\nDetected: ")
	sb.WriteString(strings.Join(result.Ingredients.Names(), ", "))
	if len(r.Ingredients) > 0 {
		sb.WriteString("\n\nIngredients:\n")
		for _, ing := range r.Ingredients {
			sb.WriteString("• " + ing + "\n")
		}
	}
	if len(r.MissingIngredients) > 0 {
		sb.WriteString("\nYou may also need: " + strings.Join(r.MissingIngredients, ", ") + "\n")
	}
	sb.WriteString("\nSteps:\n")
	for i, step := range r.Steps {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, step)
	}
	return strings.TrimSpace(sb.String())
}
