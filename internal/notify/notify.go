// Package notify tells the raffle operator about sales and payments that
// need a manual refund.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/farellandr/rifapix/internal/models"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
)

type Notifier interface {
	Sold(ctx context.Context, charge *models.Charge, numbers []string)
	// LatePayment reports numbers paid for after they went to someone else.
	LatePayment(ctx context.Context, charge *models.Charge, lost []string)
	// OrphanPayment reports a payment for a charge already closed unpaid.
	OrphanPayment(ctx context.Context, charge *models.Charge)
}

type Nop struct{}

func (Nop) Sold(context.Context, *models.Charge, []string)        {}
func (Nop) LatePayment(context.Context, *models.Charge, []string) {}
func (Nop) OrphanPayment(context.Context, *models.Charge)         {}

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

const queueSize = 256

// Telegram sends operator messages to one admin chat. Messages are queued
// and delivered by Run so payment handling never waits on Telegram.
type Telegram struct {
	bot    sender
	chatID int64
	queue  chan string
	log    logrus.FieldLogger
}

func NewTelegram(token string, chatID int64, log logrus.FieldLogger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	log.WithField("bot", bot.Self.UserName).Info("telegram notifier authorized")
	return newTelegram(bot, chatID, log), nil
}

func newTelegram(bot sender, chatID int64, log logrus.FieldLogger) *Telegram {
	return &Telegram{bot: bot, chatID: chatID, queue: make(chan string, queueSize), log: log}
}

func (t *Telegram) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case text := <-t.queue:
			if _, err := t.bot.Send(tgbotapi.NewMessage(t.chatID, text)); err != nil {
				t.log.WithError(err).Warn("telegram notification failed")
			}
		}
	}
}

func (t *Telegram) enqueue(text string) {
	select {
	case t.queue <- text:
	default:
		t.log.Warn("telegram queue full, notification dropped")
	}
}

func (t *Telegram) Sold(_ context.Context, charge *models.Charge, numbers []string) {
	t.enqueue(fmt.Sprintf("Venda confirmada: números %s (R$ %s), cobrança %s.",
		strings.Join(numbers, ", "), brl(charge.Amount), charge.ID))
}

func (t *Telegram) LatePayment(_ context.Context, charge *models.Charge, lost []string) {
	t.enqueue(fmt.Sprintf("Pagamento atrasado na cobrança %s: números %s já estavam com outro comprador. Estorno manual necessário.",
		charge.ID, strings.Join(lost, ", ")))
}

func (t *Telegram) OrphanPayment(_ context.Context, charge *models.Charge) {
	t.enqueue(fmt.Sprintf("Pagamento recebido para a cobrança %s, encerrada como %s. Estorno manual necessário.",
		charge.ID, charge.Status))
}

func brl(cents int64) string {
	return strings.Replace(fmt.Sprintf("%d.%02d", cents/100, cents%100), ".", ",", 1)
}
