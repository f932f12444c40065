package relay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// RecordHeader abre a mensagem de lançamento; o resto são linhas "Campo: valor".
const RecordHeader = "Record Transaction:"

const recentInvoicesShown = 10

// Bot é o que os comandos precisam do Telegram.
type Bot interface {
	Sender
	SendKeyboard(ctx context.Context, chatID int64, text string, kb InlineKeyboard) error
	SendDocument(ctx context.Context, chatID int64, path string) error
	AnswerCallback(ctx context.Context, callbackID string) error
}

// Commands atende os comandos de lançamentos sem passar pela IA:
//
//	/record              manda o modelo de lançamento
//	Record Transaction:  grava a nota
//	/export              manda o CSV do chat
//	/delete              nota -> item -> apaga (teclado inline)
type Commands struct {
	Ledger    *LedgerStore
	Bot       Bot
	ExportDir string

	Now    func() time.Time
	Logger log.FieldLogger
}

// Dispatch devolve handled=false quando o update não é um comando e deve
// seguir para a IA.
func (c *Commands) Dispatch(ctx context.Context, upd Update) (bool, error) {
	if cq := upd.CallbackQuery; cq != nil {
		if cq.Message == nil || !strings.HasPrefix(cq.Data, "del_") {
			return false, nil
		}
		return true, c.deleteCallback(ctx, cq)
	}

	msg := upd.TextMessage()
	if msg == nil {
		return false, nil
	}
	text := strings.TrimSpace(msg.Text)
	chatID := msg.Chat.ID

	switch {
	case command(text) == "/record":
		return true, c.Bot.SendMessage(ctx, chatID, RecordTemplate(c.today()))
	case command(text) == "/export":
		return true, c.export(ctx, chatID)
	case command(text) == "/delete":
		return true, c.deleteMenu(ctx, chatID)
	case hasPrefixFold(text, RecordHeader):
		return true, c.record(ctx, chatID, text)
	}
	return false, nil
}

func (c *Commands) record(ctx context.Context, chatID int64, text string) error {
	entry, err := ParseEntry(text, c.today())
	if err != nil {
		return c.Bot.SendMessage(ctx, chatID, "❌ "+err.Error())
	}
	invoice, err := c.Ledger.Record(ctx, chatID, entry)
	if err != nil {
		return err
	}
	c.logger().WithFields(log.Fields{"chat_id": chatID, "invoice": invoice, "items": len(entry.Items)}).
		Info("ledger: invoice recorded")
	return c.Bot.SendMessage(ctx, chatID, "✅ Recorded. Invoice number is "+invoice)
}

// export grava o CSV num arquivo temporário, envia e apaga o arquivo em
// qualquer caso.
func (c *Commands) export(ctx context.Context, chatID int64) error {
	rows, err := c.Ledger.List(ctx, chatID)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return c.Bot.SendMessage(ctx, chatID, "No transactions recorded yet.")
	}

	f, err := os.CreateTemp(c.ExportDir, fmt.Sprintf("transactions_%d_*.csv", chatID))
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	defer func() {
		if err := os.Remove(f.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger().WithError(err).WithField("file", f.Name()).Warn("ledger: export file left behind")
		}
	}()

	if err := WriteCSV(f, rows); err != nil {
		_ = f.Close()
		return fmt.Errorf("export: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	return c.Bot.SendDocument(ctx, chatID, f.Name())
}

func (c *Commands) deleteMenu(ctx context.Context, chatID int64) error {
	invoices, err := c.Ledger.RecentInvoices(ctx, chatID, recentInvoicesShown)
	if err != nil {
		return err
	}
	if len(invoices) == 0 {
		return c.Bot.SendMessage(ctx, chatID, "No recent invoices found.")
	}
	kb := InlineKeyboard{}
	for _, inv := range invoices {
		kb.Rows = append(kb.Rows, []InlineButton{{Text: inv, CallbackData: "del_inv|" + inv}})
	}
	kb.Rows = append(kb.Rows, cancelRow())
	return c.Bot.SendKeyboard(ctx, chatID, "Select invoice number:", kb)
}

// deleteCallback segue o fluxo del_inv|<nota> -> del_tx|<id>. O id da linha
// cabe nos 64 bytes do callback_data, o nome do item nem sempre.
func (c *Commands) deleteCallback(ctx context.Context, cq *CallbackQuery) error {
	chatID := cq.Message.Chat.ID
	if err := c.Bot.AnswerCallback(ctx, cq.ID); err != nil {
		c.logger().WithError(err).WithField("chat_id", chatID).Debug("ledger: answerCallbackQuery failed")
	}

	action, arg, _ := strings.Cut(cq.Data, "|")
	switch action {
	case "del_inv":
		items, err := c.Ledger.Items(ctx, chatID, arg)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return c.Bot.SendMessage(ctx, chatID, "No items under that invoice.")
		}
		kb := InlineKeyboard{}
		for _, it := range items {
			label := fmt.Sprintf("%s x%d", it.ItemName, it.Quantity)
			kb.Rows = append(kb.Rows, []InlineButton{{Text: label, CallbackData: "del_tx|" + strconv.FormatUint(uint64(it.ID), 10)}})
		}
		kb.Rows = append(kb.Rows, cancelRow())
		return c.Bot.SendKeyboard(ctx, chatID, "Invoice "+arg+"\nSelect item to delete:", kb)

	case "del_tx":
		id, err := strconv.ParseUint(arg, 10, 64)
		if err != nil {
			return c.Bot.SendMessage(ctx, chatID, "❌ Nothing deleted.")
		}
		ok, err := c.Ledger.Delete(ctx, chatID, uint(id))
		if err != nil {
			return err
		}
		if !ok {
			return c.Bot.SendMessage(ctx, chatID, "❌ Nothing deleted.")
		}
		return c.Bot.SendMessage(ctx, chatID, "✅ Deleted.")

	case "del_cancel":
		return c.Bot.SendMessage(ctx, chatID, "❌ Delete operation cancelled.")
	}
	return nil
}

func cancelRow() []InlineButton {
	return []InlineButton{{Text: "❌ Cancel", CallbackData: "del_cancel"}}
}

func (c *Commands) today() string {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	return now().Format("2006-01-02")
}

func (c *Commands) logger() log.FieldLogger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.StandardLogger()
}

// command devolve "/cmd" sem argumentos nem o sufixo @bot.
func command(text string) string {
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	first, _, _ := strings.Cut(text, " ")
	first, _, _ = strings.Cut(first, "@")
	return strings.ToLower(first)
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// RecordTemplate é o modelo que o usuário edita e devolve.
func RecordTemplate(today string) string {
	return RecordHeader + "\n" +
		"Item(s): item name\n" +
		"Quantity(s): 1\n" +
		"Price(s) per unit: 0\n" +
		"Discount(s) per unit: 0\n" +
		"GST: 0\n" +
		"Date: " + today + "\n" +
		"Customer Name and Details:\n" +
		"Payment method: cash"
}

// ParseEntry lê o modelo preenchido. Itens, quantidades, preços e descontos
// são listas separadas por vírgula; uma lista com um só valor vale para todos
// os itens.
func ParseEntry(text, today string) (Entry, error) {
	fields := map[string]string{}
	for _, line := range strings.Split(text, "\n") {
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(val)
	}

	names := splitList(fields["item(s)"])
	if len(names) == 0 {
		return Entry{}, errors.New("missing item name")
	}
	qtys, err := parseList(fields["quantity(s)"], len(names), "1", func(s string) (float64, error) {
		n, err := strconv.Atoi(s)
		return float64(n), err
	})
	if err != nil {
		return Entry{}, fmt.Errorf("invalid quantity: %w", err)
	}
	prices, err := parseList(fields["price(s) per unit"], len(names), "", parseAmount)
	if err != nil {
		return Entry{}, fmt.Errorf("invalid price: %w", err)
	}
	discounts, err := parseList(fields["discount(s) per unit"], len(names), "0", parseAmount)
	if err != nil {
		return Entry{}, fmt.Errorf("invalid discount: %w", err)
	}
	tax := 0.0
	if v := fields["gst"]; v != "" {
		if tax, err = parseAmount(v); err != nil {
			return Entry{}, fmt.Errorf("invalid GST: %w", err)
		}
	}

	e := Entry{
		TaxRate:       tax,
		Date:          fields["date"],
		Customer:      fields["customer name and details"],
		PaymentMethod: strings.ToLower(fields["payment method"]),
		Raw:           text,
	}
	if e.Date == "" {
		e.Date = today
	}
	if _, err := time.Parse("2006-01-02", e.Date); err != nil {
		return Entry{}, fmt.Errorf("invalid date %q, use YYYY-MM-DD", e.Date)
	}
	if e.PaymentMethod == "" {
		e.PaymentMethod = "cash"
	}

	for i, name := range names {
		it := LineItem{Name: name, Quantity: int(qtys[i]), Price: prices[i], Discount: discounts[i]}
		switch {
		case it.Quantity <= 0:
			return Entry{}, fmt.Errorf("invalid quantity at position %d", i+1)
		case it.Price <= 0:
			return Entry{}, fmt.Errorf("invalid price at position %d", i+1)
		case it.Discount < 0 || it.Discount > it.Price:
			return Entry{}, fmt.Errorf("invalid discount at position %d", i+1)
		}
		e.Items = append(e.Items, it)
	}
	return e, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseList aceita um valor por item ou um único valor para todos.
func parseList(raw string, n int, def string, parse func(string) (float64, error)) ([]float64, error) {
	parts := splitList(raw)
	if len(parts) == 0 {
		if def == "" {
			return nil, errors.New("missing value")
		}
		parts = []string{def}
	}
	if len(parts) == 1 && n > 1 {
		for len(parts) < n {
			parts = append(parts, parts[0])
		}
	}
	if len(parts) != n {
		return nil, fmt.Errorf("expected %d values, got %d", n, len(parts))
	}
	out := make([]float64, n)
	for i, p := range parts {
		v, err := parse(p)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func parseAmount(s string) (float64, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(s, "₹"), "%"))
	return strconv.ParseFloat(s, 64)
}
