package router

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"chatcore/internal/domain"
	"chatcore/internal/presence"
	"chatcore/internal/protocol"
)

// Backlog sends conn one bulkMessages frame for room: the conversation's
// recent history merged with anything waiting in the user's mailbox for that
// room. Mailbox entries are acknowledged only after the frame is written.
func (r *Router) Backlog(ctx context.Context, conn presence.Conn, room string) error {
	userID := conn.UserID()

	recent, err := r.history.RecentMessages(ctx, room, r.backlogLimit)
	if err != nil {
		return err
	}
	pending, err := r.mailbox.Pending(ctx, userID, room)
	if err != nil {
		// History alone still gives the client a consistent view.
		r.log.Warn("read mailbox for backlog failed", zap.String("user_id", userID), zap.Error(err))
		pending = nil
	}

	merged := mergeBacklog(recent, pending)
	var undelivered []string
	for _, m := range merged {
		if m.Sender != userID && m.Status == domain.StatusSent {
			undelivered = append(undelivered, m.ID)
		}
	}

	ok := conn.Send(protocol.Outbound{
		Frame: protocol.BulkFrame(room, merged),
		OnWritten: func() {
			ctx, cancel := context.WithTimeout(context.Background(), r.callbackTimeout)
			defer cancel()
			if err := r.mailbox.Ack(ctx, pending); err != nil {
				r.log.Warn("ack mailbox entries failed", zap.String("user_id", userID), zap.Error(err))
			}
			for _, id := range undelivered {
				r.markDelivered(userID, id)
			}
		},
	})
	if !ok {
		return fmt.Errorf("%w: backlog not accepted by connection", domain.ErrFanout)
	}
	return nil
}

// mergeBacklog unions history with mailbox entries, dropping duplicates by
// message id. Everything belongs to one conversation, so seq decides the
// order; creation time is used only when an entry carries no seq.
func mergeBacklog(recent []protocol.MessageView, pending []domain.MailboxEntry) []protocol.MessageView {
	out := make([]protocol.MessageView, 0, len(recent)+len(pending))
	seen := make(map[string]struct{}, len(recent)+len(pending))
	for _, m := range recent {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	for _, e := range pending {
		if _, dup := seen[e.MessageID]; dup {
			continue
		}
		seen[e.MessageID] = struct{}{}
		out = append(out, protocol.MessageView{
			ID:             e.MessageID,
			ConversationID: e.ConversationID,
			Seq:            e.Seq,
			Sender:         e.SenderID,
			Text:           e.Text,
			Status:         domain.StatusSent,
			Time:           e.CreatedAt,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Seq > 0 && b.Seq > 0 && a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.Time.Before(b.Time)
	})
	return out
}
