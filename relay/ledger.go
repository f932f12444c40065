package relay

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"gorm.io/gorm"
)

// Transaction é uma linha de venda: um item de uma nota.
type Transaction struct {
	ID              uint      `gorm:"primaryKey"`
	ChatID          int64     `gorm:"index:idx_transactions_chat_invoice,priority:1;not null"`
	InvoiceNumber   string    `gorm:"size:32;index:idx_transactions_chat_invoice,priority:2;not null"`
	InvoiceDate     string    `gorm:"size:10;not null"`
	ItemName        string    `gorm:"size:255;not null"`
	Quantity        int       `gorm:"not null"`
	PricePerUnit    float64   `gorm:"not null"`
	DiscountPerUnit float64   `gorm:"not null;default:0"`
	TaxRate         float64   `gorm:"not null;default:0"`
	PaymentMethod   string    `gorm:"size:32"`
	Currency        string    `gorm:"size:8"`
	CustomerName    string    `gorm:"size:255"`
	RawMessage      string    `gorm:"type:text"`
	CreatedAt       time.Time `gorm:"index"`
}

// Total é (preço - desconto) * quantidade, com o imposto por cima.
func (t Transaction) Total() float64 {
	net := (t.PricePerUnit - t.DiscountPerUnit) * float64(t.Quantity)
	return net * (1 + t.TaxRate/100)
}

// LineItem é um item pedido no lançamento.
type LineItem struct {
	Name     string
	Quantity int
	Price    float64
	Discount float64
}

// Entry é um lançamento completo: vira uma nota com uma linha por item.
type Entry struct {
	Items         []LineItem
	TaxRate       float64
	Date          string
	Customer      string
	PaymentMethod string
	Raw           string
}

var ErrEmptyEntry = errors.New("entry has no items")

// LedgerStore guarda os lançamentos de venda por chat.
type LedgerStore struct {
	db       *gorm.DB
	currency string
	now      func() time.Time
}

func NewLedgerStore(db *gorm.DB, currency string) *LedgerStore {
	if currency == "" {
		currency = "INR"
	}
	return &LedgerStore{db: db, currency: currency, now: time.Now}
}

func (s *LedgerStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&Transaction{}); err != nil {
		return fmt.Errorf("migrate ledger: %w", err)
	}
	return nil
}

// Record grava a nota inteira numa transação e devolve o número gerado.
// Duas notas no mesmo segundo ganham sufixo -2, -3...
func (s *LedgerStore) Record(ctx context.Context, chatID int64, e Entry) (string, error) {
	if len(e.Items) == 0 {
		return "", ErrEmptyEntry
	}
	base := "INV-" + s.now().UTC().Format("20060102150405")

	rows := make([]Transaction, 0, len(e.Items))
	for _, it := range e.Items {
		rows = append(rows, Transaction{
			ChatID:          chatID,
			InvoiceDate:     e.Date,
			ItemName:        it.Name,
			Quantity:        it.Quantity,
			PricePerUnit:    it.Price,
			DiscountPerUnit: it.Discount,
			TaxRate:         e.TaxRate,
			PaymentMethod:   e.PaymentMethod,
			Currency:        s.currency,
			CustomerName:    e.Customer,
			RawMessage:      e.Raw,
		})
	}

	invoice := base
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var taken int64
		if err := tx.Model(&Transaction{}).
			Where("chat_id = ? AND invoice_number LIKE ?", chatID, base+"%").
			Distinct("invoice_number").
			Count(&taken).Error; err != nil {
			return err
		}
		if taken > 0 {
			invoice = fmt.Sprintf("%s-%d", base, taken+1)
		}
		for i := range rows {
			rows[i].InvoiceNumber = invoice
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return "", fmt.Errorf("record %s: %w", base, err)
	}
	return invoice, nil
}

// List devolve todos os lançamentos do chat, do mais antigo ao mais novo.
func (s *LedgerStore) List(ctx context.Context, chatID int64) ([]Transaction, error) {
	var out []Transaction
	err := s.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return out, nil
}

// RecentInvoices devolve os números das últimas notas, mais recente primeiro.
func (s *LedgerStore) RecentInvoices(ctx context.Context, chatID int64, limit int) ([]string, error) {
	var out []string
	err := s.db.WithContext(ctx).Model(&Transaction{}).
		Select("invoice_number").
		Where("chat_id = ?", chatID).
		Group("invoice_number").
		Order("MAX(id) DESC").
		Limit(limit).
		Pluck("invoice_number", &out).Error
	if err != nil {
		return nil, fmt.Errorf("recent invoices: %w", err)
	}
	return out, nil
}

// Items devolve as linhas de uma nota do chat.
func (s *LedgerStore) Items(ctx context.Context, chatID int64, invoice string) ([]Transaction, error) {
	var out []Transaction
	err := s.db.WithContext(ctx).
		Where("chat_id = ? AND invoice_number = ?", chatID, invoice).
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("invoice items: %w", err)
	}
	return out, nil
}

// Delete apaga uma linha, só se ela pertence ao chat. false = nada apagado.
func (s *LedgerStore) Delete(ctx context.Context, chatID int64, id uint) (bool, error) {
	res := s.db.WithContext(ctx).
		Where("chat_id = ? AND id = ?", chatID, id).
		Delete(&Transaction{})
	if res.Error != nil {
		return false, fmt.Errorf("delete transaction %d: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

var csvHeader = []string{
	"invoice_number", "invoice_date", "item_name", "quantity", "price_per_unit",
	"discount_per_unit", "tax_rate", "total", "currency", "payment_method", "customer_name",
}

// WriteCSV escreve os lançamentos com cabeçalho.
func WriteCSV(w io.Writer, rows []Transaction) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	money := func(f float64) string { return strconv.FormatFloat(f, 'f', 2, 64) }
	for _, t := range rows {
		rec := []string{
			t.InvoiceNumber, t.InvoiceDate, t.ItemName, strconv.Itoa(t.Quantity), money(t.PricePerUnit),
			money(t.DiscountPerUnit), money(t.TaxRate), money(t.Total()), t.Currency, t.PaymentMethod, t.CustomerName,
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
