package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// MaxMessageRunes é o limite de texto por mensagem do Telegram.
const MaxMessageRunes = 4096

const maxUpdateBytes = 1 << 20

type Update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *Message       `json:"message,omitempty"`
	EditedMessage *Message       `json:"edited_message,omitempty"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
}

type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from,omitempty"`
	Chat      Chat   `json:"chat"`
	Date      int64  `json:"date"`
	Text      string `json:"text,omitempty"`
}

type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type,omitempty"`
}

type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
}

type CallbackQuery struct {
	ID      string   `json:"id"`
	From    *User    `json:"from,omitempty"`
	Message *Message `json:"message,omitempty"`
	Data    string   `json:"data,omitempty"`
}

// ChatMessage devolve a mensagem que identifica o chat do update, ou nil.
func (u Update) ChatMessage() *Message {
	switch {
	case u.Message != nil:
		return u.Message
	case u.EditedMessage != nil:
		return u.EditedMessage
	case u.CallbackQuery != nil:
		return u.CallbackQuery.Message
	}
	return nil
}

// TextMessage devolve a mensagem de texto que o bot deve responder, ou nil.
// Callback queries ficam para os Commands.
func (u Update) TextMessage() *Message {
	for _, m := range []*Message{u.Message, u.EditedMessage} {
		if m != nil && strings.TrimSpace(m.Text) != "" {
			return m
		}
	}
	return nil
}

// DisplayName devolve o @username ou, na falta dele, o primeiro nome.
func (m *Message) DisplayName() string {
	if m == nil || m.From == nil {
		return ""
	}
	if m.From.Username != "" {
		return m.From.Username
	}
	return m.From.FirstName
}

// readUpdate lê o corpo sem consumi-lo: o próximo handler recebe os mesmos bytes.
func readUpdate(r *http.Request) (Update, error) {
	if r.Body == nil {
		return Update{}, errors.New("empty body")
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxUpdateBytes))
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return Update{}, fmt.Errorf("read update: %w", err)
	}
	var upd Update
	if err := json.Unmarshal(body, &upd); err != nil {
		return Update{}, fmt.Errorf("decode update: %w", err)
	}
	return upd, nil
}

// ChatKey é a KeyFunc do middleware de admissão para o webhook do Telegram.
// Updates sem chat (ou JSON inválido) passam sem checagem.
func ChatKey(r *http.Request) string {
	upd, err := readUpdate(r)
	if err != nil {
		return ""
	}
	msg := upd.ChatMessage()
	if msg == nil || msg.Chat.ID == 0 {
		return ""
	}
	return strconv.FormatInt(msg.Chat.ID, 10)
}

// APIError é a resposta ok=false da Bot API.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

// TelegramClient fala com a Bot API usando o pool HTTP compartilhado.
// Envios passam por um token bucket para não estourar o limite do Telegram.
type TelegramClient struct {
	http    *http.Client
	baseURL string
	limiter *rate.Limiter
	logger  log.FieldLogger
}

func NewTelegramClient(httpClient *http.Client, apiURL, token string, rps float64, logger log.FieldLogger) *TelegramClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if rps <= 0 {
		rps = 25
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &TelegramClient{
		http:    httpClient,
		baseURL: strings.TrimRight(apiURL, "/") + "/bot" + token,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  logger,
	}
}

// SendMessage envia o texto em HTML, quebrado em pedaços de até 4096 runas.
// Se o Telegram recusar o HTML, o pedaço é reenviado como texto puro.
func (c *TelegramClient) SendMessage(ctx context.Context, chatID int64, text string) error {
	for i, chunk := range SplitMessage(text, MaxMessageRunes) {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("telegram sendMessage: %w", err)
		}
		payload := map[string]any{"chat_id": chatID, "text": chunk, "parse_mode": "HTML"}
		err := c.call(ctx, "sendMessage", payload)

		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusBadRequest &&
			strings.Contains(apiErr.Description, "parse entities") {
			c.logger.WithField("chat_id", chatID).WithField("chunk", i).Debug("telegram rejected html, resending as plain text")
			delete(payload, "parse_mode")
			if err := c.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("telegram sendMessage: %w", err)
			}
			err = c.call(ctx, "sendMessage", payload)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// InlineKeyboard é o reply_markup com botões de callback.
type InlineKeyboard struct {
	Rows [][]InlineButton `json:"inline_keyboard"`
}

type InlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

// SendKeyboard envia uma mensagem curta com teclado inline.
func (c *TelegramClient) SendKeyboard(ctx context.Context, chatID int64, text string, kb InlineKeyboard) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram sendMessage: %w", err)
	}
	return c.call(ctx, "sendMessage", map[string]any{
		"chat_id":      chatID,
		"text":         text,
		"reply_markup": kb,
	})
}

// AnswerCallback para o "carregando" do botão no cliente.
func (c *TelegramClient) AnswerCallback(ctx context.Context, callbackID string) error {
	return c.call(ctx, "answerCallbackQuery", map[string]any{"callback_query_id": callbackID})
}

// SendDocument sobe o arquivo como multipart/form-data. Quem gerou o arquivo
// continua responsável por apagá-lo.
func (c *TelegramClient) SendDocument(ctx context.Context, chatID int64, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("telegram sendDocument: %w", err)
	}
	defer func() { _ = f.Close() }()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("chat_id", strconv.FormatInt(chatID, 10)); err != nil {
		return fmt.Errorf("telegram sendDocument: %w", err)
	}
	part, err := mw.CreateFormFile("document", filepath.Base(path))
	if err != nil {
		return fmt.Errorf("telegram sendDocument: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("telegram sendDocument: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("telegram sendDocument: %w", err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram sendDocument: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sendDocument", &buf)
	if err != nil {
		return fmt.Errorf("telegram sendDocument: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req, "sendDocument")
}

// SetWebhook registra a URL que receberá os updates.
func (c *TelegramClient) SetWebhook(ctx context.Context, url string) error {
	return c.call(ctx, "setWebhook", map[string]any{"url": url})
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

func (c *TelegramClient) call(ctx context.Context, method string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram %s: encode: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, method)
}

func (c *TelegramClient) do(req *http.Request, method string) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out apiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxUpdateBytes)).Decode(&out); err != nil {
		return &APIError{Method: method, Code: resp.StatusCode, Description: "invalid response: " + err.Error()}
	}
	if !out.OK {
		code := out.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return &APIError{Method: method, Code: code, Description: out.Description}
	}
	return nil
}

// SplitMessage quebra o texto em pedaços de até max runas, preferindo cortar
// numa quebra de linha da segunda metade do pedaço. Texto vazio não gera pedaços.
func SplitMessage(text string, max int) []string {
	if max <= 0 {
		max = MaxMessageRunes
	}
	if text == "" {
		return nil
	}
	if utf8.RuneCountInString(text) <= max {
		return []string{text}
	}

	var chunks []string
	runes := []rune(text)
	for len(runes) > 0 {
		if len(runes) <= max {
			chunks = append(chunks, string(runes))
			break
		}
		cut := max
		for i := max - 1; i >= max/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	return chunks
}
