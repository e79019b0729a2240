// Package moderation is a supplemental, ambient concern kept from the
// teacher's engine/user_moderation.go (see SPEC_FULL.md SUPPLEMENTED
// FEATURES): per-user ban tracking and a nonsense-input escalation
// ladder. Distinct from guard, which blocks a single leaking reply
// rather than a user's standing across turns.
package moderation

import (
	"context"
	"time"
	"unicode"

	"github.com/ghiac/emperor/log"
	"github.com/ghiac/emperor/model"
	"github.com/ghiac/emperor/store"
)

// Moderation checks ban status and tracks nonsense input per user,
// grounded directly on the teacher's UserModeration helper (same
// fast-check/LLM-verify split, same escalating ban ladder) adapted to
// store.Store instead of a pair of injected getUser/saveUser closures.
type Moderation struct {
	Store store.Store

	// IsNonsenseLLM optionally verifies a fast-check positive with a
	// model call once a user already has a prior warning; nil disables
	// the LLM-verification step and trusts the fast check alone.
	IsNonsenseLLM func(ctx context.Context, text string) (bool, error)
}

// New builds a Moderation helper over st. verifyFn may be nil.
func New(st store.Store, verifyFn func(ctx context.Context, text string) (bool, error)) *Moderation {
	return &Moderation{Store: st, IsNonsenseLLM: verifyFn}
}

// CheckBanStatus reports whether userID is currently banned and, if so,
// the message to show them.
func (mo *Moderation) CheckBanStatus(ctx context.Context, userID string) (banned bool, message string) {
	user, err := mo.Store.GetUser(ctx, userID)
	if err != nil {
		log.Log.Warnf("[Moderation] failed to get user | UserID: %s | Error: %v", userID, err)
		return false, ""
	}
	if !user.IsCurrentlyBanned() {
		return false, ""
	}
	message = user.BanMessage
	if message == "" {
		message = "You have been temporarily restricted due to irrelevant messages. Please try again later."
	}
	return true, message
}

// ProcessNonsenseCheck runs the fast nonsense check (and, for a user
// with prior warnings, an LLM-verification pass) and applies the ban
// ladder, persisting the updated user state.
func (mo *Moderation) ProcessNonsenseCheck(ctx context.Context, userID, userMessage string) (shouldBan bool, banMessage string, err error) {
	user, err := mo.Store.GetUser(ctx, userID)
	if err != nil {
		return false, "", err
	}

	isNonsense := isNonsenseFast(userMessage)

	if isNonsense && user.NonsenseCount > 0 && mo.IsNonsenseLLM != nil {
		verified, verr := mo.IsNonsenseLLM(ctx, userMessage)
		if verr != nil {
			log.Log.Warnf("[Moderation] nonsense LLM verification failed, using fast check | Error: %v", verr)
		} else {
			isNonsense = verified
		}
	}

	if !isNonsense {
		if user.NonsenseCount > 0 {
			user.ResetNonsenseCount()
			if serr := mo.saveUser(ctx, user); serr != nil {
				log.Log.Warnf("[Moderation] failed to reset nonsense count | UserID: %s | Error: %v", userID, serr)
			}
		}
		return false, "", nil
	}

	user.IncrementNonsenseCount()
	banDuration, message := banDurationFor(user.NonsenseCount)

	if banDuration > 0 {
		user.Ban(banDuration, message)
		if serr := mo.saveUser(ctx, user); serr != nil {
			return false, "", serr
		}
		log.Log.Infof("[Moderation] user auto-banned | UserID: %s | Duration: %v | Count: %d", userID, banDuration, user.NonsenseCount)
		return true, message, nil
	}

	if serr := mo.saveUser(ctx, user); serr != nil {
		log.Log.Warnf("[Moderation] failed to persist nonsense count | UserID: %s | Error: %v", userID, serr)
	}
	return false, message, nil
}

// saveUser persists ban/nonsense state through the store's dedicated
// UpdateUserModeration operation, which writes only the moderation
// columns of the user row.
func (mo *Moderation) saveUser(ctx context.Context, user *model.User) error {
	return mo.Store.UpdateUserModeration(ctx, user)
}

// banDurationFor mirrors the teacher's calculateBanDuration ladder: 3
// nonsense messages = 1 hour, 5 = 6 hours, 7+ = 24 hours.
func banDurationFor(nonsenseCount int) (time.Duration, string) {
	switch {
	case nonsenseCount >= 7:
		return 24 * time.Hour, "You have been restricted for 24 hours due to repeated irrelevant messages."
	case nonsenseCount >= 5:
		return 6 * time.Hour, "You have been restricted for 6 hours due to repeated irrelevant messages."
	case nonsenseCount >= 3:
		return 1 * time.Hour, "You have been restricted for 1 hour due to repeated irrelevant messages."
	default:
		return 0, "Please send meaningful messages."
	}
}

// isNonsenseFast is a cheap heuristic: a message shorter than 2 bytes,
// or whose letters number fewer than a third of its length in bytes, is
// treated as likely nonsense pending LLM verification.
func isNonsenseFast(text string) bool {
	if len(text) < 2 {
		return true
	}
	letters := 0
	for _, r := range text {
		if unicode.IsLetter(r) {
			letters++
		}
	}
	return letters*3 < len(text)
}
