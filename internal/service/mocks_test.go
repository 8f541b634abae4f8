package service

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"scambait/backend/internal/domain"
)

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) ListUnread(ctx context.Context) ([]domain.InboundMessage, error) {
	args := m.Called(ctx)
	msgs, _ := args.Get(0).([]domain.InboundMessage)
	return msgs, args.Error(1)
}

func (m *mockTransport) GetMessage(ctx context.Context, id string) (*domain.InboundMessage, error) {
	args := m.Called(ctx, id)
	msg, _ := args.Get(0).(*domain.InboundMessage)
	return msg, args.Error(1)
}

func (m *mockTransport) FindMessage(ctx context.Context, sender, subject string) (string, error) {
	args := m.Called(ctx, sender, subject)
	return args.String(0), args.Error(1)
}

func (m *mockTransport) MarkRead(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockTransport) Reply(ctx context.Context, original *domain.InboundMessage, body, token string) (*domain.SendResult, error) {
	args := m.Called(ctx, original, body, token)
	res, _ := args.Get(0).(*domain.SendResult)
	return res, args.Error(1)
}

func (m *mockTransport) ReplyWithAttachment(ctx context.Context, original *domain.InboundMessage, body string, attachment *domain.Attachment, token string) (*domain.SendResult, error) {
	args := m.Called(ctx, original, body, attachment, token)
	res, _ := args.Get(0).(*domain.SendResult)
	return res, args.Error(1)
}

func (m *mockTransport) Send(ctx context.Context, msg domain.OutboundMessage) (*domain.SendResult, error) {
	args := m.Called(ctx, msg)
	res, _ := args.Get(0).(*domain.SendResult)
	return res, args.Error(1)
}

type mockGenerator struct {
	mock.Mock
}

func (m *mockGenerator) Answer(ctx context.Context, text string) (string, error) {
	args := m.Called(ctx, text)
	return args.String(0), args.Error(1)
}

func (m *mockGenerator) AnswerWithAttachment(ctx context.Context, text string) (string, error) {
	args := m.Called(ctx, text)
	return args.String(0), args.Error(1)
}

func (m *mockGenerator) FillDocument(ctx context.Context, text string) (string, error) {
	args := m.Called(ctx, text)
	return args.String(0), args.Error(1)
}

func (m *mockGenerator) NameDocument(ctx context.Context, text string) (string, error) {
	args := m.Called(ctx, text)
	return args.String(0), args.Error(1)
}

type mockRenderer struct {
	mock.Mock
}

func (m *mockRenderer) Render(ctx context.Context, doc domain.Document) (*domain.Attachment, error) {
	args := m.Called(ctx, doc)
	att, _ := args.Get(0).(*domain.Attachment)
	return att, args.Error(1)
}

// detectorFunc 便于测试中直接给出检测结果
type detectorFunc func(text string) bool

func (f detectorFunc) Detect(text string) bool { return f(text) }

// recordingPublisher 记录发布的事件
type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(e domain.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) types() []domain.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}
