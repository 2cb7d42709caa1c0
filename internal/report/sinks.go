package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	logx "steward/pkg/logx"
)

// LogSink writes a one-line summary of each report to the log.
type LogSink struct {
	Log logx.Logger
}

func (s LogSink) Publish(_ context.Context, r Report) error {
	fields := []logx.Field{
		logx.String("kind", r.Kind),
		logx.Int("sections", len(r.Sections)),
	}
	if r.Kind == KindJobFailure {
		s.Log.Warn(r.Title, fields...)
		return nil
	}
	s.Log.Info(r.Title, fields...)
	return nil
}

// FileSink appends reports as JSON lines.
type FileSink struct {
	path string
	mu   sync.Mutex
}

func NewFileSink(path string) (*FileSink, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("report file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("report dir: %w", err)
	}
	return &FileSink{path: path}, nil
}

func (s *FileSink) Publish(_ context.Context, r Report) error {
	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open report file: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("write report: %w", err)
	}
	return f.Close()
}

// Telegram's hard limit is 4096 characters per message.
const telegramChunk = 3500

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Bot API endpoint (tests, self-hosted API servers).
	APIURL  string
	Timeout time.Duration
}

// TelegramSink sends rendered reports to one chat. It only sends; it never
// polls for updates.
type TelegramSink struct {
	bot     *tele.Bot
	chat    *tele.Chat
	thread  int
	limiter *rate.Limiter
}

func NewTelegramSink(cfg TelegramConfig) (*TelegramSink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &TelegramSink{
		bot:     b,
		chat:    &tele.Chat{ID: cfg.ChatID},
		thread:  cfg.ThreadID,
		limiter: rate.NewLimiter(rate.Every(time.Second), 3),
	}, nil
}

func (s *TelegramSink) Publish(ctx context.Context, r Report) error {
	opt := &tele.SendOptions{DisableWebPagePreview: true, ThreadID: s.thread}
	for _, chunk := range chunkText(Render(r), telegramChunk) {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := s.bot.Send(s.chat, chunk, opt); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

// chunkText splits s into pieces of at most limit runes, preferring newline
// boundaries in the last two thirds of each window.
func chunkText(s string, limit int) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	if limit < 16 {
		limit = 16
	}
	var out []string
	start := 0
	for start < len(s) {
		runes, end := 0, start
		lastNL, lastNLRunes := -1, 0
		for end < len(s) && runes < limit {
			r, size := utf8.DecodeRuneInString(s[end:])
			if r == '\n' {
				lastNL, lastNLRunes = end+size, runes+1
			}
			runes++
			end += size
		}
		if end < len(s) && lastNL != -1 && lastNLRunes >= limit/3 {
			end = lastNL
		}
		out = append(out, strings.TrimRight(s[start:end], "\n"))
		start = end
		for start < len(s) && s[start] == '\n' {
			start++
		}
	}
	return out
}
