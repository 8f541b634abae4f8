package main

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"scambait/backend/internal/config"
	"scambait/backend/internal/mailbox"
	"scambait/backend/internal/mailbox/gmail"
	"scambait/backend/internal/mailbox/imap"
	"scambait/backend/internal/service"
	"scambait/backend/internal/storage"
	"scambait/backend/internal/storage/filesystem"
	"scambait/backend/internal/storage/memory"
	"scambait/backend/internal/storage/redis"
	"scambait/backend/internal/trigger"
)

// stores 启动时选定的存储组合
type stores struct {
	store storage.Store
	queue storage.QueueStore
	redis *redis.Client // 未启用 Redis 时为 nil
	// verify 完整读取持久化数据，发现损坏时返回 domain.ErrStorageCorruption
	verify func(ctx context.Context) error
	closers []io.Closer
}

func (s *stores) Close() {
	for _, c := range s.closers {
		_ = c.Close()
	}
}

// openStores 按配置创建会话存储与回复队列。
//
// 队列使用 Redis 时令牌索引也放到 Redis，便于多个追踪端点实例共享。
func openStores(cfg *config.Config, log *zap.Logger) (*stores, error) {
	out := &stores{verify: func(context.Context) error { return nil }}

	var conversations storage.Store
	var mem *memory.Store
	switch cfg.Storage.Driver {
	case "memory":
		mem = memory.NewStore()
		conversations = mem
		log.Warn("using memory storage, conversations are lost on restart")
	default:
		fs, err := filesystem.NewStore(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("open conversation store: %w", err)
		}
		conversations = fs
		out.verify = fs.Verify
		log.Info("filesystem storage initialized", zap.String("path", fs.BasePath()))
	}
	out.store = conversations

	switch cfg.Queue.Driver {
	case "memory":
		if mem == nil {
			mem = memory.NewStore()
		}
		out.queue = mem
	case "redis":
		client, err := redis.New(&cfg.Redis, log.Named("redis"))
		if err != nil {
			return nil, err
		}
		out.redis = client
		out.closers = append(out.closers, client)
		out.queue = redis.NewQueueStore(client)
		out.store = storage.Combine(conversations, redis.NewTokenIndex(client))
	default:
		queue, err := filesystem.NewQueueFile(cfg.Queue.Path)
		if err != nil {
			return nil, fmt.Errorf("open queue file: %w", err)
		}
		out.queue = queue
		log.Info("queue file initialized", zap.String("path", queue.Path()))
	}

	return out, nil
}

// newTransport 按配置创建邮件通道
func newTransport(ctx context.Context, cfg *config.Config, log *zap.Logger) (service.Transport, error) {
	persona := mailbox.Persona{
		Name:      cfg.Persona.Name,
		Location:  cfg.Persona.Location,
		SiteLabel: cfg.Persona.SiteLabel,
	}
	composer := mailbox.NewComposer(cfg.Transport.SMTP.From, persona, cfg.TrackingURL)

	switch cfg.Transport.Driver {
	case "gmail":
		return gmail.NewTransport(ctx, gmail.Config{
			CredentialsFile: cfg.Transport.Gmail.CredentialsFile,
			TokenFile:       cfg.Transport.Gmail.TokenFile,
			User:            cfg.Transport.Gmail.User,
			IncludeSpam:     cfg.Transport.IncludeSpam,
		}, composer, log.Named("gmail"))
	default:
		return imap.NewTransport(imap.Config{
			IMAPAddress:  cfg.Transport.IMAP.Address,
			Username:     cfg.Transport.IMAP.Username,
			Password:     cfg.Transport.IMAP.Password,
			Mailbox:      cfg.Transport.IMAP.Mailbox,
			SpamMailbox:  cfg.Transport.IMAP.SpamMailbox,
			IncludeSpam:  cfg.Transport.IncludeSpam,
			TLS:          cfg.Transport.IMAP.TLS,
			SMTPAddress:  cfg.Transport.SMTP.Address,
			SMTPUsername: cfg.Transport.SMTP.Username,
			SMTPPassword: cfg.Transport.SMTP.Password,
			From:         cfg.Transport.SMTP.From,
		}, composer, log.Named("imap")), nil
	}
}

// newDetector 加载触发词族，未配置文件时使用内置词表
func newDetector(cfg *config.Config) (*trigger.KeywordDetector, error) {
	families := trigger.DefaultFamilies()
	if cfg.Escalation.KeywordsFile != "" {
		loaded, err := trigger.LoadFamilies(cfg.Escalation.KeywordsFile)
		if err != nil {
			return nil, fmt.Errorf("load keyword families: %w", err)
		}
		families = loaded
	}
	return trigger.NewKeywordDetector(families), nil
}
