package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"genbot/internal/core"
	"genbot/internal/ledger"
	"genbot/internal/model"
	"genbot/internal/pricing"
	"genbot/internal/queue"
	"genbot/internal/storage"
	logx "genbot/pkg/logx"
)

const handlerTimeout = 10 * time.Second

func (b *Bot) registerHandlers() {
	b.bot.Handle("/start", b.wrap(b.onStart))
	b.bot.Handle("/help", b.wrap(b.onStart))
	b.bot.Handle("/balance", b.wrap(b.onBalance))
	b.bot.Handle("/history", b.wrap(b.onHistory))
	b.bot.Handle("/gen", b.wrap(b.onGen))
	b.bot.Handle("/jobs", b.wrap(b.onJobs))
	b.bot.Handle("/cancel", b.wrap(b.onCancel))
	b.bot.Handle("/prices", b.wrap(b.onPrices))

	b.bot.Handle("/setprice", b.admin(b.onSetPrice))
	b.bot.Handle("/give", b.admin(b.onGive))
	b.bot.Handle("/adjust", b.admin(b.onAdjust))
	b.bot.Handle("/ban", b.admin(b.onBan))
	b.bot.Handle("/unban", b.admin(b.onUnban))
	b.bot.Handle("/broadcast", b.admin(b.onBroadcast))
	b.bot.Handle("/broadcast_status", b.admin(b.onBroadcastStatus))
	b.bot.Handle("/queue", b.admin(b.onQueue))
}

type handlerFunc func(ctx context.Context, c tele.Context) error

// wrap registers the user on first contact, bounds the handler with a
// timeout and translates engine errors into chat replies.
func (b *Bot) wrap(h handlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		sender := c.Sender()
		if sender == nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()

		if err := b.engine.Touch(ctx, model.User{
			ID:       sender.ID,
			Username: sender.Username,
			FullName: strings.TrimSpace(sender.FirstName + " " + sender.LastName),
		}); err != nil {
			b.log.Warn("user upsert failed", logx.Int64("user", sender.ID), logx.Err(err))
		}

		if err := h(ctx, c); err != nil {
			return c.Send(userMessage(err))
		}
		return nil
	}
}

// admin rejects non-admin callers before running the handler.
func (b *Bot) admin(h handlerFunc) tele.HandlerFunc {
	inner := b.wrap(h)
	return func(c tele.Context) error {
		sender := c.Sender()
		if sender == nil || !b.isAdmin(sender.ID) {
			return c.Send("This command is for administrators.")
		}
		return inner(c)
	}
}

// userMessage maps engine errors to replies a user can act on.
func userMessage(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredit):
		return "Not enough credits for that. Check /balance and /prices."
	case errors.Is(err, queue.ErrUserBanned):
		return "Your account is suspended."
	case errors.Is(err, queue.ErrConcurrencyLimit):
		return "You already have the maximum number of jobs in flight. Wait for one to finish or /cancel it."
	case errors.Is(err, queue.ErrQueueFull):
		return "The queue is full right now. Please try again in a minute."
	case errors.Is(err, queue.ErrUnknownJob):
		return "No such job."
	case errors.Is(err, queue.ErrInvalidState):
		return "That job can no longer be cancelled."
	case errors.Is(err, core.ErrNotOwner):
		return "That job belongs to someone else."
	case errors.Is(err, storage.ErrNotFound):
		return "Nothing found with that ID."
	case errors.Is(err, pricing.ErrUnknownType):
		return "Unknown media type. Use one of: " + typeList() + "."
	case errors.Is(err, pricing.ErrInvalidPrice):
		return "Price must be a positive number."
	case errors.Is(err, ledger.ErrInvalidAmount):
		return "Amount must be a positive number."
	default:
		return "Something went wrong, please try again."
	}
}

func typeList() string {
	parts := make([]string, 0, len(model.JobTypes))
	for _, t := range model.JobTypes {
		parts = append(parts, string(t))
	}
	return strings.Join(parts, ", ")
}

func (b *Bot) onStart(ctx context.Context, c tele.Context) error {
	return c.Send("Hi! I generate media for credits.\n\n" +
		"/gen <type> <prompt> - request a generation (" + typeList() + ")\n" +
		"/balance - your credit balance\n" +
		"/prices - price per media type\n" +
		"/jobs - your recent jobs\n" +
		"/cancel <job> - cancel a queued job\n" +
		"/history - recent credit movements")
}

func (b *Bot) onBalance(ctx context.Context, c tele.Context) error {
	bal := b.engine.Balance(c.Sender().ID)
	return c.Send(fmt.Sprintf("Balance: %d credits", bal))
}

func (b *Bot) onHistory(ctx context.Context, c tele.Context) error {
	txs, err := b.engine.Statement(ctx, c.Sender().ID, 15)
	if err != nil {
		return err
	}
	if len(txs) == 0 {
		return c.Send("No transactions yet.")
	}
	var sb strings.Builder
	sb.WriteString("Recent transactions:\n")
	for _, tx := range txs {
		fmt.Fprintf(&sb, "%s  %+d  %s", tx.At.Format("Jan 02 15:04"), tx.Delta, tx.Reason)
		if tx.JobID != "" {
			fmt.Fprintf(&sb, " (job %s)", shortID(tx.JobID))
		}
		if tx.Note != "" {
			fmt.Fprintf(&sb, " (%s)", tx.Note)
		}
		sb.WriteByte('\n')
	}
	return c.Send(sb.String())
}

func (b *Bot) onGen(ctx context.Context, c tele.Context) error {
	args := strings.SplitN(strings.TrimSpace(c.Message().Payload), " ", 2)
	if len(args) < 2 || args[0] == "" {
		return c.Send("Usage: /gen <type> <prompt>\nTypes: " + typeList())
	}
	typ, payload := args[0], strings.TrimSpace(args[1])

	var (
		jobID string
		err   error
	)
	if b.isAdmin(c.Sender().ID) {
		jobID, err = b.engine.AdminSubmit(ctx, c.Sender().ID, typ, payload)
	} else {
		jobID, err = b.engine.SubmitJob(ctx, c.Sender().ID, typ, payload)
	}
	if err != nil {
		return err
	}
	return c.Send(fmt.Sprintf("Queued as %s. I'll message you when it's done.", shortID(jobID)))
}

func (b *Bot) onJobs(ctx context.Context, c tele.Context) error {
	jobs, err := b.engine.ListJobs(ctx, c.Sender().ID, 10)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return c.Send("No jobs yet. Try /gen.")
	}
	var sb strings.Builder
	sb.WriteString("Your recent jobs:\n")
	for _, j := range jobs {
		fmt.Fprintf(&sb, "%s  %-6s  %s  %d credits\n", shortID(j.ID), j.Type, j.Status, j.Price)
	}
	return c.Send(sb.String())
}

func (b *Bot) onCancel(ctx context.Context, c tele.Context) error {
	ref := strings.TrimSpace(c.Message().Payload)
	if ref == "" {
		return c.Send("Usage: /cancel <job>")
	}
	jobID, err := b.resolveJobID(ctx, c.Sender().ID, ref)
	if err != nil {
		return err
	}
	if err := b.engine.CancelJob(ctx, c.Sender().ID, jobID, b.isAdmin(c.Sender().ID)); err != nil {
		return err
	}
	return c.Send("Cancelled and refunded.")
}

// resolveJobID expands the short ID shown in chat back to the full job ID by
// matching it as a prefix against the caller's recent jobs.
func (b *Bot) resolveJobID(ctx context.Context, userID int64, ref string) (string, error) {
	jobs, err := b.engine.ListJobs(ctx, userID, 50)
	if err != nil {
		return "", err
	}
	for _, j := range jobs {
		if j.ID == ref || strings.HasPrefix(j.ID, ref) {
			return j.ID, nil
		}
	}
	return ref, nil
}

func (b *Bot) onPrices(ctx context.Context, c tele.Context) error {
	var sb strings.Builder
	sb.WriteString("Prices:\n")
	for _, p := range b.engine.Prices() {
		fmt.Fprintf(&sb, "%-6s  %d credits\n", p.Code, p.Price)
	}
	return c.Send(sb.String())
}

func (b *Bot) onSetPrice(ctx context.Context, c tele.Context) error {
	args := strings.Fields(c.Message().Payload)
	if len(args) != 2 {
		return c.Send("Usage: /setprice <type> <credits>")
	}
	price, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return pricing.ErrInvalidPrice
	}
	if err := b.engine.AdminSetPrice(ctx, args[0], price); err != nil {
		return err
	}
	return c.Send(fmt.Sprintf("Price of %s set to %d credits. Jobs already queued keep their old price.", args[0], price))
}

func (b *Bot) onGive(ctx context.Context, c tele.Context) error {
	args := strings.Fields(c.Message().Payload)
	if len(args) < 2 {
		return c.Send("Usage: /give <user_id> <credits> [reason]")
	}
	userID, err1 := strconv.ParseInt(args[0], 10, 64)
	amount, err2 := strconv.ParseInt(args[1], 10, 64)
	if err1 != nil || err2 != nil {
		return ledger.ErrInvalidAmount
	}
	reason := strings.Join(args[2:], " ")
	if err := b.engine.AdminGrant(ctx, userID, amount, reason); err != nil {
		return err
	}
	return c.Send(fmt.Sprintf("Granted %d credits to %d.", amount, userID))
}

func (b *Bot) onAdjust(ctx context.Context, c tele.Context) error {
	args := strings.Fields(c.Message().Payload)
	if len(args) < 2 {
		return c.Send("Usage: /adjust <user_id> <delta> [reason]")
	}
	userID, err1 := strconv.ParseInt(args[0], 10, 64)
	delta, err2 := strconv.ParseInt(args[1], 10, 64)
	if err1 != nil || err2 != nil {
		return ledger.ErrInvalidAmount
	}
	reason := strings.Join(args[2:], " ")
	if err := b.engine.AdminAdjust(ctx, userID, delta, reason); err != nil {
		return err
	}
	return c.Send(fmt.Sprintf("Adjusted %d by %+d credits.", userID, delta))
}

func (b *Bot) onBan(ctx context.Context, c tele.Context) error {
	userID, err := strconv.ParseInt(strings.TrimSpace(c.Message().Payload), 10, 64)
	if err != nil {
		return c.Send("Usage: /ban <user_id>")
	}
	if err := b.engine.AdminBan(ctx, userID); err != nil {
		return err
	}
	return c.Send(fmt.Sprintf("User %d banned. Their queued and running jobs will finish normally.", userID))
}

func (b *Bot) onUnban(ctx context.Context, c tele.Context) error {
	userID, err := strconv.ParseInt(strings.TrimSpace(c.Message().Payload), 10, 64)
	if err != nil {
		return c.Send("Usage: /unban <user_id>")
	}
	if err := b.engine.AdminUnban(ctx, userID); err != nil {
		return err
	}
	return c.Send(fmt.Sprintf("User %d unbanned.", userID))
}

// onBroadcast schedules an announcement to every known user, or to an
// explicit target list given as "/broadcast to=1,2,3 <message>".
func (b *Bot) onBroadcast(ctx context.Context, c tele.Context) error {
	payload := strings.TrimSpace(c.Message().Payload)
	if payload == "" {
		return c.Send("Usage: /broadcast [to=<id,id,...>] <message>")
	}
	selector := "all"
	if strings.HasPrefix(payload, "to=") {
		parts := strings.SplitN(payload, " ", 2)
		if len(parts) < 2 {
			return c.Send("Usage: /broadcast [to=<id,id,...>] <message>")
		}
		selector = strings.TrimPrefix(parts[0], "to=")
		payload = strings.TrimSpace(parts[1])
	}
	id, err := b.engine.AdminBroadcast(ctx, payload, selector)
	if err != nil {
		return err
	}
	return c.Send(fmt.Sprintf("Broadcast %s scheduled. Check it with /broadcast_status %s", shortID(id), id))
}

func (b *Bot) onBroadcastStatus(ctx context.Context, c tele.Context) error {
	id := strings.TrimSpace(c.Message().Payload)
	if id == "" {
		return c.Send("Usage: /broadcast_status <id>")
	}
	bc, failed, err := b.engine.BroadcastStatus(ctx, id)
	if err != nil {
		return err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Broadcast %s: %s\n", shortID(bc.ID), bc.Status)
	if !bc.CompletedAt.IsZero() {
		fmt.Fprintf(&sb, "Finished %s\n", bc.CompletedAt.Format("Jan 02 15:04"))
	}
	if len(failed) > 0 {
		fmt.Fprintf(&sb, "Failed deliveries (%d):\n", len(failed))
		for _, t := range failed {
			fmt.Fprintf(&sb, "  %d: %s\n", t.UserID, t.ErrMsg)
		}
	}
	return c.Send(sb.String())
}

func (b *Bot) onQueue(ctx context.Context, c tele.Context) error {
	return c.Send(fmt.Sprintf("Queue depth: %d", b.engine.QueueDepth()))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
