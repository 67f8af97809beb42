package resume

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"leadline/internal/repo"
)

// ResetCodeTTL is how long a verification code stays usable.
const ResetCodeTTL = 10 * time.Minute

// ErrResetCode covers every way a verification can fail: unknown email,
// missing code, expired code, wrong code. One error so the endpoint cannot
// be used to probe which emails exist.
var ErrResetCode = errors.New("invalid or expired verification code")

var resetCodePattern = regexp.MustCompile(`^\d{6}$`)

// NewResetCode returns a random 6-digit verification code.
func NewResetCode() (string, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate reset code: %w", err)
	}
	n := binary.BigEndian.Uint32(buf[:])
	return fmt.Sprintf("%06d", 100000+n%900000), nil
}

// HashResetCode returns the SHA-256 hex digest stored in place of the code.
func HashResetCode(code string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(code)))
	return hex.EncodeToString(sum[:])
}

// VerifyResetCode compares a candidate code against a stored hash in
// constant time.
func VerifyResetCode(code, hash string) bool {
	candidate := HashResetCode(code)
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(hash)) == 1
}

// RequestReset starts the forgot-my-code path. When surname and email match
// a lead, a fresh code is minted, its hash stored with a short expiry, and
// the plaintext handed to the CRM tag that runs the email workflow. When
// they do not match, nothing happens: the caller gets nil either way, so
// the response never reveals whether the details exist.
func (r *Resolver) RequestReset(ctx context.Context, surname, email string) error {
	rec, found := r.Lookup(ctx, email, "")
	if !found || !strings.EqualFold(strings.TrimSpace(surname), rec.Identity.LastName) {
		return nil
	}
	code, err := NewResetCode()
	if err != nil {
		return err
	}
	if err := r.Repo.SetResetCode(ctx, rec.ID, HashResetCode(code), r.now().Add(ResetCodeTTL)); err != nil {
		return err
	}
	if r.Queue != nil {
		if err := r.Queue.EnqueueUpsert(ctx, rec.ID,
			map[string]string{"reset_code": code},
			[]string{"send-reset-code-email"}); err != nil {
			log.Printf("resume: enqueue reset code for lead %s: %v", rec.ID, err)
		}
	}
	return nil
}

// VerifyReset exchanges a valid code for a brand-new resume code. The old
// resume code stops working and the stored reset code is cleared whether or
// not anything later fails, so a code never verifies twice.
func (r *Resolver) VerifyReset(ctx context.Context, email, code string) (string, error) {
	code = strings.TrimSpace(code)
	if !resetCodePattern.MatchString(code) {
		return "", ErrResetCode
	}
	rec, found := r.Lookup(ctx, email, "")
	if !found {
		return "", ErrResetCode
	}
	hash, expiresAt, err := r.Repo.GetResetCode(ctx, rec.ID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", ErrResetCode
		}
		return "", err
	}
	if r.now().After(expiresAt) || !VerifyResetCode(code, hash) {
		return "", ErrResetCode
	}
	if err := r.Repo.ClearResetCode(ctx, rec.ID); err != nil {
		return "", err
	}
	fresh, err := r.freshUID(ctx)
	if err != nil {
		return "", err
	}
	if err := r.Repo.ReplaceResumeCode(ctx, rec.ID, fresh); err != nil {
		return "", err
	}
	if r.Queue != nil {
		if err := r.Queue.EnqueueUpsert(ctx, rec.ID,
			map[string]string{"unique_id": fresh, "reset_code": ""}, nil); err != nil {
			log.Printf("resume: enqueue uid sync after reset for lead %s: %v", rec.ID, err)
		}
	}
	return fresh, nil
}

// SendReminder tags the CRM contact so its workflow re-sends the resume
// code, but only when surname and email both match. Like RequestReset it
// returns nil on a miss.
func (r *Resolver) SendReminder(ctx context.Context, surname, email string) error {
	rec, found := r.Lookup(ctx, email, "")
	if !found || !strings.EqualFold(strings.TrimSpace(surname), rec.Identity.LastName) {
		return nil
	}
	if rec.ResumeCode == "" || r.Queue == nil {
		return nil
	}
	if err := r.Queue.EnqueueUpsert(ctx, rec.ID,
		map[string]string{"unique_id": rec.ResumeCode},
		[]string{"send-resume-reminder-email"}); err != nil {
		log.Printf("resume: enqueue reminder for lead %s: %v", rec.ID, err)
	}
	return nil
}

func (r *Resolver) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}
