package api

import (
	"waves/internal/content"
	"waves/internal/models"
	"waves/internal/storage"
)

// resolver fills in the inline-resolved fields of stored messages: sender
// details, reaction user names, reply targets (with their own sender) and
// the rendered form of plaintext messages. User lookups are memoized per
// request.
type resolver struct {
	storage *storage.BboltStorage
	users   map[string]models.Sender
}

func newResolver(s *storage.BboltStorage) *resolver {
	return &resolver{
		storage: s,
		users:   make(map[string]models.Sender),
	}
}

func (r *resolver) sender(userID string) models.Sender {
	if s, ok := r.users[userID]; ok {
		return s
	}
	s := models.Sender{ID: userID}
	if user, _, err := r.storage.GetUser(userID); err == nil {
		s = models.Sender{
			ID:          user.ID,
			UserName:    user.UserName,
			Color:       user.Color,
			IsAnonymous: user.IsAnonymous,
		}
	}
	r.users[userID] = s
	return s
}

func (r *resolver) resolve(msg models.Message) models.Message {
	msg.Sender = r.sender(msg.Sender.ID)

	for i := range msg.Reactions {
		msg.Reactions[i].UserName = r.sender(msg.Reactions[i].UserID).UserName
	}

	if msg.ReplyTo != nil {
		if target, err := r.storage.GetMessage(msg.ReplyTo.ID); err == nil {
			msg.ReplyTo = &models.ReplyRef{
				ID:         target.ID,
				Sender:     r.sender(target.Sender.ID),
				Text:       target.Text,
				Ciphertext: target.Ciphertext,
				IV:         target.IV,
			}
		}
	}

	if msg.Text != "" {
		msg.Rendered = content.Render(msg.Text)
	}
	return msg
}
