package telegram

import (
	"context"
	"fmt"

	tele "gopkg.in/telebot.v4"

	"genbot/internal/eventbus"
	logx "genbot/pkg/logx"
)

// consumeEvents pushes job outcomes to their owners. Delivery is best
// effort: the job result stays in /jobs even if the push fails.
func (b *Bot) consumeEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			job := ev.Job
			var text string
			switch ev.Type {
			case eventbus.TypeJobSucceeded:
				text = fmt.Sprintf("Your %s job %s is ready:\n%s", job.Type, shortID(job.ID), job.Result)
			case eventbus.TypeJobFailed:
				text = fmt.Sprintf("Your %s job %s failed and your %d credits were refunded.", job.Type, shortID(job.ID), job.Price)
			default:
				continue
			}
			if _, err := b.bot.Send(&tele.Chat{ID: job.UserID}, text); err != nil {
				b.log.Warn("result delivery failed",
					logx.String("job", job.ID),
					logx.Int64("user", job.UserID),
					logx.Err(err),
				)
			}
		}
	}
}
