package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"scambait/backend/internal/domain"
	"scambait/backend/internal/storage/memory"
)

type controlFixture struct {
	transport     *mockTransport
	generator     *mockGenerator
	conversations *ConversationService
	scheduler     *ResponseScheduler
	control       *ControlService
}

func newControlFixture(t *testing.T) *controlFixture {
	t.Helper()
	store := memory.NewStore()
	conversations := NewConversationService(store, nil, nil, nil)
	tokens := NewTokenRegistry(conversations, nil, nil, nil)
	scheduler := NewResponseScheduler(store, DefaultScheduleOptions(), nil, nil)
	f := &controlFixture{
		transport:     &mockTransport{},
		generator:     &mockGenerator{},
		conversations: conversations,
		scheduler:     scheduler,
	}
	orchestrator := newOrchestrator(nil, nil, time.Minute, time.Minute, nil, nil)
	f.control = NewControlService(f.transport, f.generator, conversations, tokens, scheduler, orchestrator, "", nil)
	return f
}

func TestStartConversation(t *testing.T) {
	ctx := context.Background()
	f := newControlFixture(t)

	msg := &domain.InboundMessage{ID: "abc", From: scammer, Subject: "Inheritance", Body: "Dear friend"}
	f.transport.On("FindMessage", mock.Anything, scammer, "Inheritance").Return("abc", nil)
	f.transport.On("GetMessage", mock.Anything, "abc").Return(msg, nil)
	f.generator.On("Answer", mock.Anything, "Dear friend").Return("Tell me more.", nil)
	f.transport.On("Reply", mock.Anything, msg, "Tell me more.", mock.AnythingOfType("string")).
		Return(&domain.SendResult{ID: "r1"}, nil)

	res, err := f.control.StartConversation(ctx, domain.StartConversationRequest{Email: scammer, Subject: "Inheritance"})
	require.NoError(t, err)
	assert.Equal(t, ConversationID(scammer), res.ConversationID)
	assert.Equal(t, "abc", res.EmailID)

	conv, err := f.conversations.Get(ctx, res.ConversationID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "me", conv.Messages[0].From)
	assert.NotEmpty(t, conv.SignatureID)
}

func TestStartConversationErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("missing fields", func(t *testing.T) {
		f := newControlFixture(t)
		_, err := f.control.StartConversation(ctx, domain.StartConversationRequest{Subject: "x"})
		assert.ErrorIs(t, err, domain.ErrInvalidSender)
	})

	t.Run("message not found", func(t *testing.T) {
		f := newControlFixture(t)
		f.transport.On("FindMessage", mock.Anything, scammer, "Missing").Return("", domain.ErrMessageNotFound)
		_, err := f.control.StartConversation(ctx, domain.StartConversationRequest{Sender: scammer, Subject: "Missing"})
		assert.True(t, domain.IsNotFound(err))
	})

	t.Run("empty generation", func(t *testing.T) {
		f := newControlFixture(t)
		msg := &domain.InboundMessage{ID: "abc", From: scammer, Body: "hi"}
		f.transport.On("FindMessage", mock.Anything, scammer, "s").Return("abc", nil)
		f.transport.On("GetMessage", mock.Anything, "abc").Return(msg, nil)
		f.generator.On("Answer", mock.Anything, "hi").Return("", nil)
		_, err := f.control.StartConversation(ctx, domain.StartConversationRequest{Sender: scammer, Subject: "s"})
		assert.ErrorIs(t, err, domain.ErrGenerationFailure)

		_, err = f.conversations.Get(ctx, ConversationID(scammer))
		assert.ErrorIs(t, err, domain.ErrConversationNotFound, "no conversation without a reply")
	})
}

func TestSendFirstEmail(t *testing.T) {
	ctx := context.Background()
	f := newControlFixture(t)

	f.transport.On("Send", mock.Anything, mock.MatchedBy(func(m domain.OutboundMessage) bool {
		return m.To == scammer && m.Subject == "Business proposal" && m.Token != ""
	})).Return(&domain.SendResult{ID: "s1"}, nil)

	res, err := f.control.SendFirstEmail(ctx, domain.SendFirstEmailRequest{
		Sender:  scammer,
		Subject: "Business proposal",
		Body:    "Hello, I saw your offer.",
	})
	require.NoError(t, err)
	assert.Equal(t, "s1", res.EmailID)
	assert.Equal(t, "sent", res.Status)

	length, err := f.conversations.Length(ctx, res.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, 1, length)
}

func TestStatusSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newControlFixture(t)

	id, err := f.conversations.GetOrCreate(ctx, scammer)
	require.NoError(t, err)
	require.NoError(t, f.conversations.BindToken(ctx, id, "tok", domain.TokenKindSignature))
	_, err = f.conversations.RecordInteraction(ctx, "tok", domain.Interaction{IPAddress: "1.1.1.1"})
	require.NoError(t, err)
	_, err = f.conversations.GetOrCreate(ctx, "quiet@example.com")
	require.NoError(t, err)
	_, err = f.scheduler.Schedule(ctx, "q1", time.Now())
	require.NoError(t, err)

	snap := f.control.Status(ctx)
	assert.Equal(t, 2, snap.Conversations)
	assert.Equal(t, 1, snap.ConversationsWithTouches)
	assert.Equal(t, 1, snap.Interactions)
	assert.Equal(t, 1, snap.QueueDepth)
	require.NotNil(t, snap.NextResponseAt)
	assert.False(t, snap.Running)
	assert.Contains(t, snap.Loops, LoopIntake)
	require.NotNil(t, snap.Storage)
	assert.Equal(t, "memory", snap.Storage.Driver)
	assert.Equal(t, 2, snap.Storage.Conversations)
	assert.Equal(t, 1, snap.Storage.Tokens)
}

func TestGetConversationLimit(t *testing.T) {
	ctx := context.Background()
	f := newControlFixture(t)
	id, err := f.conversations.GetOrCreate(ctx, scammer)
	require.NoError(t, err)
	for _, text := range []string{"one", "two", "three"} {
		require.NoError(t, f.conversations.Append(ctx, id, scammer, text, time.Now()))
	}

	conv, err := f.control.GetConversation(ctx, id, 2)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "two", conv.Messages[0].Text)

	summaries, err := f.control.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, 3, summaries[0].MessageCount)

	_, err = f.control.GetConversation(ctx, "missing", 0)
	assert.ErrorIs(t, err, domain.ErrConversationNotFound)
}
