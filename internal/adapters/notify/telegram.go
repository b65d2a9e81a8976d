package notify

import (
	"context"
	"fmt"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"smm-autoposter/internal/domain"
	"smm-autoposter/internal/infra/metrics"
)

// TelegramNotifier шлёт дежурным сообщение об окончательно проваленной публикации.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

var _ domain.OpsNotifier = (*TelegramNotifier)(nil)

// NewTelegramNotifier создаёт нотификатор для чата дежурных.
func NewTelegramNotifier(token string, chatID int64) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("инициализация telegram-бота: %w", err)
	}
	return &TelegramNotifier{bot: bot, chatID: chatID}, nil
}

// NotifyJobFailed отправляет в чат дежурных карточку проваленной задачи.
func (n *TelegramNotifier) NotifyJobFailed(ctx context.Context, job domain.PublishJob) error {
	text := fmt.Sprintf(
		"⚠️ Публикация провалена\nЗадача: %s\nПользователь: %d\nПост: %d\nПлощадка: %s\nПопыток: %d/%d\nОшибка: %s — %s",
		job.ID, job.UserID, job.PostID, job.Platform,
		job.Attempts, job.MaxAttempts, job.LastErrorKind, job.LastErrorMsg,
	)
	msg := tgbotapi.NewMessage(n.chatID, text)
	start := time.Now()
	_, err := n.bot.Send(msg)
	metrics.ObserveNetworkRequest("telegram_bot", "send_message", strconv.FormatInt(n.chatID, 10), start, err)
	if err != nil {
		return fmt.Errorf("отправка уведомления: %w", err)
	}
	return nil
}
