// Package engineservice assembles the chat engine: stores, transport, the
// category queues and the two domain services, exposed behind one facade the
// daemon surface talks to.
package engineservice

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"mailchat/go-engine/internal/bootstrap/engineconfig"
	"mailchat/go-engine/internal/domains/chat"
	"mailchat/go-engine/internal/domains/contracts"
	"mailchat/go-engine/internal/domains/messaging"
	"mailchat/go-engine/internal/platform/runtime"
	"mailchat/go-engine/internal/platform/sendlimit"
	"mailchat/go-engine/internal/queue"
	"mailchat/go-engine/internal/resume"
	"mailchat/go-engine/internal/storage"
	"mailchat/go-engine/pkg/models"
)

// Options carries everything the facade cannot build itself. Transport is
// injected so the daemon picks mock or waku; StorageSecret comes from the
// unlocked identity and encrypts every snapshot store.
type Options struct {
	Config        engineconfig.Config
	Self          string
	StorageSecret string
	Transport     contracts.Transport

	// OnChange observes store mutations, OnCallSignal receives live signaling
	// items. Both are optional and must not block.
	OnChange     func(contracts.ChangeEvent)
	OnCallSignal func(contracts.InboundItem)

	Logger *slog.Logger
	Now    func() time.Time
}

type Service struct {
	self      string
	cfg       engineconfig.Config
	transport contracts.Transport
	logger    *slog.Logger
	now       func() time.Time

	chats      *storage.ChatStore
	messages   *storage.MessageStore
	files      *storage.FileLinkStore
	watermarks *storage.WatermarkStore

	writer     *queue.CoalescingWriter
	dispatcher *queue.Dispatcher
	limiter    *sendlimit.RecipientLimiter
	checkpoint *resume.Manager

	chatSvc *chat.Service
	engine  *messaging.Engine

	onChange     func(contracts.ChangeEvent)
	onCallSignal func(contracts.InboundItem)

	caughtUp bool
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(opts Options) (*Service, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("engineservice: transport is required")
	}
	self := models.CanonicalAddress(opts.Self)
	if self == "" {
		return nil, fmt.Errorf("engineservice: local address is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	dataDir := opts.Config.DataDir
	pathOf := func(name string) string {
		if dataDir == "" {
			return ""
		}
		return filepath.Join(dataDir, name)
	}
	chats, err := storage.NewChatStore(pathOf("chats.enc"), opts.StorageSecret)
	if err != nil {
		return nil, fmt.Errorf("open chat store: %w", err)
	}
	messages, err := storage.NewMessageStore(pathOf("messages.enc"), opts.StorageSecret)
	if err != nil {
		return nil, fmt.Errorf("open message store: %w", err)
	}
	files, err := storage.NewFileLinkStore(pathOf("filelinks.db"))
	if err != nil {
		return nil, fmt.Errorf("open file link store: %w", err)
	}
	watermarks := storage.NewWatermarkStore(pathOf("checkpoint.enc"), opts.StorageSecret)

	s := &Service{
		self:         self,
		cfg:          opts.Config,
		transport:    opts.Transport,
		logger:       logger,
		now:          now,
		chats:        chats,
		messages:     messages,
		files:        files,
		watermarks:   watermarks,
		writer:       queue.NewCoalescingWriter(logger),
		onChange:     opts.OnChange,
		onCallSignal: opts.OnCallSignal,
	}
	if perMin := opts.Config.SendRatePerMin; perMin > 0 {
		s.limiter = sendlimit.PerMinute(perMin, perMin/4, 10*time.Minute)
	}

	s.engine = &messaging.Engine{
		Self:             self,
		Chats:            chats,
		Messages:         messages,
		Files:            files,
		Enqueue:          s.enqueueOutbound,
		CompleteDelivery: s.transport.RemoveOutboundItem,
		DiscardInbox:     s.transport.RemoveInboxItem,
		Notify:           s.emit,
		NewMessageID:     runtime.NewChatMessageID,
		NewDeliveryID:    runtime.NewDeliveryID,
		Now:              now,
		Logger:           logger,
	}
	s.chatSvc = &chat.Service{
		Self:     self,
		Chats:    chats,
		Messages: messages,
		Send: func(ctx context.Context, recipients []string, env contracts.Envelope) error {
			return s.enqueueOutbound(ctx, recipients, env, runtime.NewDeliveryID())
		},
		Notify: s.emit,
		Reclaim: func(removed []models.Message) {
			s.engine.ReclaimMessages(context.Background(), removed)
		},
		NewMessageID: runtime.NewChatMessageID,
		NewGroupID:   runtime.NewGroupChatToken,
		Now:          now,
		Logger:       logger,
	}
	s.engine.OnInvite = s.chatSvc.HandleInvite
	s.engine.OnAccept = s.chatSvc.HandleAccept
	s.engine.OnMembers = s.chatSvc.ApplyMembersUpdate
	s.engine.OnChatName = s.chatSvc.ApplyChatName
	s.engine.OnSettings = s.chatSvc.ApplySettings
	s.engine.OnMemberRemoved = s.chatSvc.ApplyMemberRemoved
	s.engine.OnMemberLeft = s.chatSvc.ApplyMemberLeft

	s.checkpoint = &resume.Manager{
		Transport: s.transport,
		Watermark: watermarks,
		Apply:     s.engine.Apply,
		Overlap:   opts.Config.ReplayOverlap,
		Writer:    s.writer,
		Logger:    logger,
	}
	return s, nil
}

func (s *Service) emit(event contracts.ChangeEvent) {
	if s.onChange != nil {
		s.onChange(event)
	}
}

// enqueueOutbound is the single exit to the transport: envelope encode, the
// per-peer rate check, then the mail deposit under one delivery id.
func (s *Service) enqueueOutbound(ctx context.Context, recipients []string, env contracts.Envelope, deliveryID string) error {
	if len(recipients) == 0 {
		return nil
	}
	payload, err := contracts.EncodeEnvelope(env)
	if err != nil {
		return contracts.WrapCategorizedError(contracts.ErrorCategoryProtocol, err)
	}
	at := s.now()
	for _, recipient := range recipients {
		if !s.limiter.Permit(models.CanonicalAddress(recipient), at) {
			return contracts.WrapCategorizedError(contracts.ErrorCategoryAPI, contracts.ErrRateLimited)
		}
	}
	if deliveryID == "" {
		deliveryID = runtime.NewDeliveryID()
	}
	if err := s.transport.EnqueueOutbound(ctx, recipients, payload, deliveryID, contracts.OutboundOptions{}); err != nil {
		return contracts.WrapCategorizedError(contracts.ErrorCategoryNetwork, err)
	}
	return nil
}
