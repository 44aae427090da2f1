package engineservice

import (
	"context"
	"fmt"
	"time"

	"mailchat/go-engine/internal/domains/contracts"
	"mailchat/go-engine/internal/queue"
)

// transportLifecycle is the optional start/stop surface of a transport that
// owns network resources, like the waku node. An in-memory transport does not
// implement it.
type transportLifecycle interface {
	Start(ctx context.Context) error
	Stop()
}

// Start brings the engine online: the transport first, then category queues,
// then the resumption pass over the backlog, then the live subscriptions.
// Items arriving during catch-up queue behind the replayed ones, so within
// the chat-protocol category delivery order is preserved end to end.
func (s *Service) Start(ctx context.Context) error {
	if s.cancel != nil {
		return fmt.Errorf("engineservice: already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	if lc, ok := s.transport.(transportLifecycle); ok {
		if err := lc.Start(ctx); err != nil {
			cancel()
			close(s.done)
			return fmt.Errorf("start transport: %w", err)
		}
	}

	s.dispatcher = queue.NewDispatcher(ctx, s.logger)
	s.dispatcher.Register(queue.CategoryChatProtocol, func(ctx context.Context, item any) error {
		return s.handleInbound(ctx, item.(contracts.InboundItem))
	})
	s.dispatcher.Register(queue.CategoryCallSignal, func(ctx context.Context, item any) error {
		return s.handleCallSignal(ctx, item.(contracts.InboundItem))
	})
	s.dispatcher.Register(queue.CategoryDeliveryProgress, func(ctx context.Context, item any) error {
		return s.engine.HandleProgress(ctx, item.(contracts.ProgressEvent))
	})

	if err := s.catchUp(ctx); err != nil {
		// Not fatal: the backlog stays in the mailbox and the next pass,
		// scheduled with the sweep ticker, picks it up from the checkpoint.
		s.logger.Warn("startup resumption incomplete", "reason", err.Error())
	}

	if err := s.transport.Subscribe(s.classify); err != nil {
		cancel()
		close(s.done)
		s.stopTransport()
		return fmt.Errorf("subscribe inbox: %w", err)
	}
	if err := s.transport.ObserveOutboundProgress(func(event contracts.ProgressEvent) {
		s.dispatcher.Enqueue(queue.CategoryDeliveryProgress, event)
	}); err != nil {
		cancel()
		close(s.done)
		s.stopTransport()
		return fmt.Errorf("observe outbound progress: %w", err)
	}

	go s.tickLoop(ctx)
	return nil
}

// Stop shuts the transport down, drains the queues and flushes pending
// snapshot writes.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.stopTransport()
	s.dispatcher.Wait()
	s.writer.Flush()
	if err := s.files.Close(); err != nil {
		s.logger.Warn("file link store close failed", "reason", err.Error())
	}
}

func (s *Service) stopTransport() {
	if lc, ok := s.transport.(transportLifecycle); ok {
		lc.Stop()
	}
}

// classify routes a fresh inbox item to its category queue. Live signaling
// must never wait behind protocol processing, which is the whole point of the
// category split.
func (s *Service) classify(item contracts.InboundItem) {
	if env, err := contracts.DecodeEnvelope(item.Payload); err == nil && env.ChatMessageType == contracts.WireKindCallSignal {
		s.dispatcher.Enqueue(queue.CategoryCallSignal, item)
		return
	}
	// Malformed payloads go down the normal path, which logs and discards.
	s.dispatcher.Enqueue(queue.CategoryChatProtocol, item)
}

func (s *Service) handleInbound(ctx context.Context, item contracts.InboundItem) error {
	retain, err := s.engine.Apply(ctx, item)
	if err != nil {
		// The mailbox copy stays put; the next resumption pass retries it.
		return err
	}
	if !retain {
		if err := s.transport.RemoveInboxItem(ctx, item.ID); err != nil {
			s.logger.Warn("inbox item removal failed", "inbox_item_id", item.ID, "reason", err.Error())
		}
	}
	s.checkpoint.Advance(item.DeliveredAt)
	return nil
}

func (s *Service) handleCallSignal(ctx context.Context, item contracts.InboundItem) error {
	if s.onCallSignal != nil {
		s.onCallSignal(item)
	}
	if err := s.transport.RemoveInboxItem(ctx, item.ID); err != nil {
		s.logger.Warn("inbox item removal failed", "inbox_item_id", item.ID, "reason", err.Error())
	}
	s.checkpoint.Advance(item.DeliveredAt)
	return nil
}

func (s *Service) catchUp(ctx context.Context) error {
	err := s.checkpoint.CatchUp(ctx)
	s.caughtUp = err == nil
	return err
}

// tickLoop owns the periodic work: the auto-delete sweep and, after a failed
// resumption pass, the retry from the checkpoint.
func (s *Service) tickLoop(ctx context.Context) {
	defer close(s.done)
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.engine.SweepExpired(ctx, now)
			if !s.caughtUp {
				if err := s.catchUp(ctx); err != nil {
					s.logger.Warn("resumption retry failed", "reason", err.Error())
				}
			}
		}
	}
}
