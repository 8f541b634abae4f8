package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"scambait/backend/internal/domain"
	"scambait/backend/internal/pool"
	"scambait/backend/internal/storage/memory"
	"scambait/backend/internal/trigger"
)

const scammer = "bad.guy@example.com"

type dispatcherFixture struct {
	store         *memory.Store
	transport     *mockTransport
	generator     *mockGenerator
	renderer      *mockRenderer
	conversations *ConversationService
	scheduler     *ResponseScheduler
	events        *recordingPublisher
	dispatcher    *Dispatcher
}

func newDispatcherFixture(t *testing.T) *dispatcherFixture {
	t.Helper()
	store := memory.NewStore()
	events := &recordingPublisher{}
	conversations := NewConversationService(store, nil, nil, events)
	tokens := NewTokenRegistry(conversations, nil, nil, events)
	scheduler := NewResponseScheduler(store, DefaultScheduleOptions(), nil, nil)

	workers := pool.NewWorkerPool(2, 4, nil)
	workers.Start()
	t.Cleanup(workers.Stop)

	f := &dispatcherFixture{
		store:         store,
		transport:     &mockTransport{},
		generator:     &mockGenerator{},
		renderer:      &mockRenderer{},
		conversations: conversations,
		scheduler:     scheduler,
		events:        events,
	}
	f.dispatcher = NewDispatcher(DispatcherDeps{
		Transport:     f.transport,
		Generator:     f.generator,
		Renderer:      f.renderer,
		Conversations: conversations,
		Tokens:        tokens,
		Scheduler:     scheduler,
		Policy:        NewEscalationPolicy(4, trigger.NewKeywordDetector(trigger.DefaultFamilies())),
		Pool:          workers,
		SelfAddress:   "james@jdawsontech.com",
		TrackingURL:   func(token string) string { return "http://track.test/" + token },
		Events:        events,
	})
	return f
}

// seed 建立带 n 条历史消息的会话，并放入一个已到期的队列条目
func (f *dispatcherFixture) seed(t *testing.T, emailID string, history int) string {
	t.Helper()
	ctx := context.Background()
	id, err := f.conversations.GetOrCreate(ctx, scammer)
	require.NoError(t, err)
	for i := 0; i < history; i++ {
		require.NoError(t, f.conversations.Append(ctx, id, scammer, fmt.Sprintf("msg %d", i), time.Now()))
	}
	queue, _ := f.store.LoadQueue(ctx)
	queue = domain.InsertSorted(queue, domain.QueueEntry{EmailID: emailID, ResponseTime: time.Now().Add(-time.Minute)})
	require.NoError(t, f.store.SaveQueue(ctx, queue))
	return id
}

func TestDispatchPlainReply(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture(t)
	id := f.seed(t, "e1", 1)

	msg := &domain.InboundMessage{ID: "e1", From: scammer, Subject: "Hello", Latest: "how are you?"}
	f.transport.On("GetMessage", mock.Anything, "e1").Return(msg, nil)
	f.generator.On("Answer", mock.Anything, "how are you?").Return("I am well, thank you.", nil)
	f.transport.On("Reply", mock.Anything, msg, "I am well, thank you.", mock.AnythingOfType("string")).
		Return(&domain.SendResult{ID: "sent-1"}, nil)

	sent, err := f.dispatcher.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	conv, err := f.conversations.Get(ctx, id)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	last := conv.Messages[1]
	assert.Equal(t, "james@jdawsontech.com", last.From)
	assert.Equal(t, "I am well, thank you.", last.Text)
	assert.NotEmpty(t, conv.SignatureID, "plain replies carry a signature token")

	replyToken := f.transport.Calls[1].Arguments.String(3)
	assert.Equal(t, conv.SignatureID, replyToken)

	pending, _ := f.scheduler.Pending(ctx)
	assert.Empty(t, pending)
	assert.Contains(t, f.events.types(), domain.EventReplySent)
}

func TestDispatchEscalatedReply(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture(t)
	id := f.seed(t, "e2", 5)

	text := "please send the attachment"
	msg := &domain.InboundMessage{ID: "e2", From: scammer, Latest: text}
	attachment := &domain.Attachment{Path: "/tmp/Invoice.html", Filename: "Invoice.html", ContentType: "text/html"}

	f.transport.On("GetMessage", mock.Anything, "e2").Return(msg, nil)
	f.generator.On("NameDocument", mock.Anything, text).Return("Invoice", nil)
	f.generator.On("FillDocument", mock.Anything, text).Return("Account details follow.", nil)
	f.renderer.On("Render", mock.Anything, mock.MatchedBy(func(doc domain.Document) bool {
		return doc.Name == "Invoice" && doc.Body == "Account details follow." &&
			strings.HasPrefix(doc.TrackingURL, "http://track.test/") &&
			strings.HasSuffix(doc.TrackingURL, doc.Token)
	})).Return(attachment, nil)
	f.generator.On("AnswerWithAttachment", mock.Anything, text).Return("Attached as requested.", nil)
	f.transport.On("ReplyWithAttachment", mock.Anything, msg, "Attached as requested.", attachment, mock.AnythingOfType("string")).
		Return(&domain.SendResult{ID: "sent-2"}, nil)

	sent, err := f.dispatcher.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	conv, err := f.conversations.Get(ctx, id)
	require.NoError(t, err)
	assert.NotEmpty(t, conv.HoneytokenID)
	assert.Equal(t, "Attached as requested.", conv.Messages[len(conv.Messages)-1].Text)
	assert.Contains(t, f.events.types(), domain.EventEscalated)

	f.renderer.AssertExpectations(t)
	f.transport.AssertNotCalled(t, "Reply", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatchDocumentFailureFallsBackToPlain(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture(t)
	f.seed(t, "e3", 5)

	text := "send me the contract"
	msg := &domain.InboundMessage{ID: "e3", From: scammer, Latest: text}
	f.transport.On("GetMessage", mock.Anything, "e3").Return(msg, nil)
	f.generator.On("NameDocument", mock.Anything, text).Return("", errors.New("model unavailable"))
	f.generator.On("FillDocument", mock.Anything, text).Return("filler", nil)
	f.renderer.On("Render", mock.Anything, mock.MatchedBy(func(doc domain.Document) bool {
		return doc.Name == domain.DefaultDocumentName
	})).Return(nil, errors.New("disk full"))
	f.generator.On("Answer", mock.Anything, text).Return("Let me check.", nil)
	f.transport.On("Reply", mock.Anything, msg, "Let me check.", mock.AnythingOfType("string")).
		Return(&domain.SendResult{ID: "sent-3"}, nil)

	sent, err := f.dispatcher.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	f.generator.AssertNotCalled(t, "AnswerWithAttachment", mock.Anything, mock.Anything)
}

func TestDispatchSendFailureIsDropped(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture(t)
	id := f.seed(t, "e4", 1)

	msg := &domain.InboundMessage{ID: "e4", From: scammer, Latest: "hi"}
	f.transport.On("GetMessage", mock.Anything, "e4").Return(msg, nil)
	f.generator.On("Answer", mock.Anything, "hi").Return("hello", nil)
	f.transport.On("Reply", mock.Anything, msg, "hello", mock.Anything).
		Return(nil, fmt.Errorf("%w: smtp 554", domain.ErrTransportFailure))

	sent, err := f.dispatcher.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)

	length, _ := f.conversations.Length(ctx, id)
	assert.Equal(t, 1, length, "failed reply is not recorded")
	pending, _ := f.scheduler.Pending(ctx)
	assert.Empty(t, pending, "failed reply is not re-enqueued")
	assert.Contains(t, f.events.types(), domain.EventReplyFailed)
}

func TestDispatchFetchAndGenerationFailures(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture(t)
	f.seed(t, "gone", 0)
	f.seed(t, "empty", 0)

	f.transport.On("GetMessage", mock.Anything, "gone").Return(nil, domain.ErrMessageNotFound)
	msg := &domain.InboundMessage{ID: "empty", From: scammer, Body: "body only"}
	f.transport.On("GetMessage", mock.Anything, "empty").Return(msg, nil)
	f.generator.On("Answer", mock.Anything, "body only").Return("   ", nil)

	sent, err := f.dispatcher.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
	f.transport.AssertNotCalled(t, "Reply", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatchNothingDue(t *testing.T) {
	f := newDispatcherFixture(t)
	sent, err := f.dispatcher.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
}

func TestStageOf(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", failAt("render", errors.New("boom")))
	assert.Equal(t, "render", stageOf(err))
	assert.Equal(t, "unknown", stageOf(errors.New("plain")))
}

func TestTickReturnsOnCancelAndRequeuesUnstarted(t *testing.T) {
	f := newDispatcherFixture(t)
	single := pool.NewWorkerPool(1, 4, nil)
	single.Start()
	t.Cleanup(single.Stop)
	f.dispatcher.Pool = single

	for _, id := range []string{"c1", "c2", "c3"} {
		f.seed(t, id, 1)
	}
	f.transport.On("GetMessage", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.Canceled)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sent, err := f.dispatcher.Tick(ctx)
		assert.NoError(t, err)
		assert.Zero(t, sent)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Tick did not return after the context was cancelled")
	}

	pending, err := f.scheduler.Pending(context.Background())
	require.NoError(t, err)
	ids := make([]string, 0, len(pending))
	for _, entry := range pending {
		ids = append(ids, entry.EmailID)
	}
	assert.ElementsMatch(t, []string{"c1", "c2", "c3"}, ids)
	assert.True(t, domain.IsSorted(pending))
	assert.NotContains(t, f.events.types(), domain.EventReplyFailed)
}

func TestDispatchFailsFastOnCancelledContext(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.dispatcher.Dispatch(ctx, domain.QueueEntry{EmailID: "late"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "cancelled", stageOf(err))
	f.transport.AssertNotCalled(t, "GetMessage", mock.Anything, mock.Anything)
}
