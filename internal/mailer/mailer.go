// Package mailer は外部メッセージ（メール）の送信方式を提供する。
//
// 実際のメール配送は外部のリレーが担う。ここではリレーへの引き渡しまでを行う。
package mailer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prateekverma145/NGO-management-sub000/pkg/httpclient"
)

// Transport は1通のメッセージを送信する。
type Transport interface {
	Send(ctx context.Context, address, subject, body string) error
}

// Message はリレーへ渡すメッセージ。
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Log は送信内容をログに出すだけのTransport。ローカル開発で使う。
type Log struct {
	log *slog.Logger
}

// NewLog はLogトランスポートを生成する。
func NewLog(log *slog.Logger) *Log {
	return &Log{log: log}
}

// Send はメッセージをログに出力する。
func (l *Log) Send(_ context.Context, address, subject, body string) error {
	l.log.Info("メッセージ送信（ログ出力のみ）",
		slog.String("to", address),
		slog.String("subject", subject),
		slog.Int("body_bytes", len(body)),
	)
	return nil
}

const (
	// relayPath はHTTPリレーの送信エンドポイント。
	relayPath = "/v1/messages"
	// relayHealthPath はHTTPリレーの疎通確認エンドポイント。
	relayHealthPath = "/health"
)

// HTTP はJSONのHTTP APIを持つメールリレーへ送信するTransport。
type HTTP struct {
	client *httpclient.Client
}

// NewHTTP はbaseURLのリレーへ送信するTransportを生成する。
func NewHTTP(client *httpclient.Client) *HTTP {
	return &HTTP{client: client}
}

// Send はリレーへメッセージをPOSTする。2xx以外はエラー。
func (h *HTTP) Send(ctx context.Context, address, subject, body string) error {
	const op = "mailer.HTTP.Send"

	if err := h.client.PostJSON(ctx, relayPath, Message{To: address, Subject: subject, Body: body}, nil); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Ping はリレーの疎通を確認する。2xx以外はエラー。
func (h *HTTP) Ping(ctx context.Context) error {
	const op = "mailer.HTTP.Ping"

	if err := h.client.GetJSON(ctx, relayHealthPath, nil); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Publisher はキーと値を1件送信する。*kafka.Producer が満たす。
type Publisher interface {
	Publish(ctx context.Context, key, value []byte) error
}

// Broker はメッセージブローカーのトピックへ送信するTransport。
// 同じ宛先のメッセージは同じキーになり、順序が保たれる。
type Broker struct {
	publisher Publisher
}

// NewBroker はBrokerトランスポートを生成する。
func NewBroker(p Publisher) *Broker {
	return &Broker{publisher: p}
}

// Send はメッセージをJSONにしてブローカーへ送る。
func (b *Broker) Send(ctx context.Context, address, subject, body string) error {
	const op = "mailer.Broker.Send"

	value, err := json.Marshal(Message{To: address, Subject: subject, Body: body})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := b.publisher.Publish(ctx, []byte(strings.ToLower(address)), value); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
