package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"contestkit.org/internal/audit"
	"contestkit.org/internal/auth"
	"contestkit.org/internal/notify"
	"contestkit.org/internal/otp"
)

const otpRequestCategory = "otp_request"

type otpRequest struct {
	Phone string `json:"phone"`
}

type otpRequestResponse struct {
	ChallengeID string    `json:"challenge_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type otpVerifyRequest struct {
	Phone string `json:"phone"`
	Code  string `json:"code"`
}

type tokenPairResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// otpRequestKey is otp_request_<phone>, or otp_request_unknown when the
// phone does not normalize.
func otpRequestKey(phone string) string {
	normalized, err := otp.NormalizePhone(phone)
	if err != nil {
		return otpRequestCategory + "_unknown"
	}
	return otpRequestCategory + "_" + normalized
}

func (a *API) handleOTPRequest(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	key := otpRequestKey(req.Phone)
	if err := a.deps.Limiter.Check(r.Context(), key, 0, 0); err != nil {
		_ = audit.LogEvent(r.Context(), audit.EventRateLimited, map[string]any{"key": key})
		writeFailure(w, r, err)
		return
	}

	challenge, err := a.deps.OTP.Request(r.Context(), req.Phone)
	if errors.Is(err, otp.ErrInvalidPhone) {
		writeError(w, r, http.StatusBadRequest, "invalid phone number")
		return
	}
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if _, err := a.deps.Sender.Send(r.Context(), notify.Message{
		To:       challenge.Phone,
		Body:     "Your verification code is " + challenge.Code,
		Category: otpRequestCategory,
	}); err != nil {
		writeFailure(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventOTPRequested, map[string]any{
		"challenge_id": challenge.ID,
	})
	writeJSON(w, http.StatusAccepted, otpRequestResponse{
		ChallengeID: challenge.ID,
		ExpiresAt:   challenge.ExpiresAt,
	})
}

func (a *API) handleOTPVerify(w http.ResponseWriter, r *http.Request) {
	var req otpVerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, r, http.StatusBadRequest, "code is required")
		return
	}
	phone, err := otp.NormalizePhone(req.Phone)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid phone number")
		return
	}
	if err := a.deps.OTP.Verify(r.Context(), phone, req.Code); err != nil {
		switch {
		case errors.Is(err, otp.ErrMismatch), errors.Is(err, otp.ErrNoChallenge), errors.Is(err, otp.ErrTooManyAttempts):
			writeFailure(w, r, &auth.CredentialError{Reason: err.Error()})
		default:
			writeFailure(w, r, err)
		}
		return
	}

	user, err := a.deps.Users.FindUserByPhone(r.Context(), phone)
	if errors.Is(err, auth.ErrNotFound) {
		user, err = a.deps.Users.CreateUser(r.Context(), phone, auth.RoleUser, true)
	}
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if !user.Active {
		writeFailure(w, r, &auth.CredentialError{Reason: "user disabled"})
		return
	}

	principal := auth.PrincipalFromUser(user)
	pair, err := a.deps.Tokens.IssuePair(principal.Subject, user.Phone, user.Role)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	ctx := auth.ContextWithPrincipal(r.Context(), principal)
	_ = audit.LogEvent(ctx, audit.EventOTPVerified, nil)
	_ = audit.LogEvent(ctx, audit.EventTokenIssued, map[string]any{
		"expires_at": pair.AccessExpiresAt.Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, tokenPairResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		TokenType:        "Bearer",
		ExpiresAt:        pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
	})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	token, ok := a.deps.Tokens.Refresh(req.RefreshToken)
	if !ok {
		writeFailure(w, r, &auth.CredentialError{Reason: "invalid or expired refresh token"})
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventTokenRefreshed, nil)
	writeJSON(w, http.StatusOK, refreshResponse{AccessToken: token, TokenType: "Bearer"})
}
