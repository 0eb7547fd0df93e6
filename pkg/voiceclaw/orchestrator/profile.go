package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// noUpdate is the model's answer when the profile stays as it is.
const noUpdate = "NO_UPDATE"

const profilePrompt = "You are a profile updater. Given the current user profile and recent conversation, " +
	"extract any NEW persistent facts about the user (name, preferences, demographics, " +
	"interests, profession, etc.) and return an UPDATED profile summary.\n\n" +
	"Current profile:\n%s\n\n" +
	"If nothing new is found, respond with exactly: " + noUpdate

// countMessage counts a user message and marks the profile due every
// ProfileEvery messages.
func (o *Orchestrator) countMessage(ctx context.Context, userID, conversationID string) {
	n, err := o.Store.CountMessage(ctx, userID)
	if err != nil {
		o.logger.Warn("failed to count message", "user_id", userID, "error", err)
		return
	}
	if n%o.opts.ProfileEvery != 0 {
		return
	}
	o.profileMu.Lock()
	o.profileDue[userID] = conversationID
	o.profileMu.Unlock()
	o.logger.Debug("profile update due", "user_id", userID, "messages", n)
}

// RefreshProfiles updates the profiles marked due. It runs as a periodic
// job.
func (o *Orchestrator) RefreshProfiles(ctx context.Context) error {
	o.profileMu.Lock()
	due := o.profileDue
	o.profileDue = make(map[string]string)
	o.profileMu.Unlock()

	var errs []error
	for userID, conversationID := range due {
		if err := o.refreshProfile(ctx, userID, conversationID); err != nil {
			errs = append(errs, fmt.Errorf("user %s: %w", userID, err))
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) refreshProfile(ctx context.Context, userID, conversationID string) error {
	user, err := o.Store.User(ctx, userID)
	if err != nil {
		return err
	}
	msgs, err := o.Store.RecentMessages(ctx, conversationID, 10)
	if err != nil {
		return err
	}
	text := transcript(msgs, 0)
	if text == "" {
		return nil
	}

	current := user.ProfileSummary
	if current == "" {
		current = "(empty, no info yet)"
	}
	out, err := o.Model.CompleteText(ctx, fmt.Sprintf(profilePrompt, current), text)
	if err != nil {
		return fmt.Errorf("profile update: %w", err)
	}
	out = strings.TrimSpace(out)
	if out == "" || strings.Contains(out, noUpdate) {
		o.logger.Debug("profile unchanged", "user_id", userID)
		return nil
	}
	if err := o.Store.SetProfile(ctx, userID, out); err != nil {
		return err
	}
	o.logger.Info("profile updated", "user_id", userID, "chars", len(out))
	return nil
}
