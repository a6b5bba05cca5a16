package authflow

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/Solvire/gramline/internal/domain/auth"
	"github.com/Solvire/gramline/internal/domain/pool"
	"github.com/Solvire/gramline/internal/domain/session"
	"github.com/Solvire/gramline/internal/domain/status"
	"github.com/Solvire/gramline/internal/governor"
	"github.com/Solvire/gramline/internal/remote"
	"github.com/Solvire/gramline/internal/utils"
)

// RequestCodeRequest is the body of POST /telegram/auth/request-code
type RequestCodeRequest struct {
	Phone string `json:"phone"`
}

// VerifyCodeRequest is the body of POST /telegram/auth/verify-code
type VerifyCodeRequest struct {
	Phone    string `json:"phone"`
	Code     string `json:"code"`
	CodeHash string `json:"code_hash"`
}

// Verify2FARequest is the body of POST /telegram/auth/verify-2fa
type Verify2FARequest struct {
	Password string `json:"password"`
}

// Handler exposes the sign-in flow and account lifecycle over HTTP
type Handler struct {
	service     *Service
	pool        *pool.Manager
	store       *session.Store
	broadcaster *status.Broadcaster
}

// NewHandler creates a Handler
func NewHandler(service *Service, poolManager *pool.Manager, store *session.Store, broadcaster *status.Broadcaster) *Handler {
	return &Handler{
		service:     service,
		pool:        poolManager,
		store:       store,
		broadcaster: broadcaster,
	}
}

// caller resolves the authenticated CRM user and the flow key for this
// request. The flow is keyed by the local session so parallel logins from
// different devices do not trample each other.
func caller(c *fiber.Ctx) (uuid.UUID, string, error) {
	identity := auth.GetIdentity(c)
	if identity == nil {
		return uuid.Nil, "", utils.ErrUnauthorized
	}

	userID, err := uuid.Parse(identity.UserID)
	if err != nil {
		return uuid.Nil, "", utils.ErrUnauthorized
	}

	flowID := identity.SessionID
	if flowID == "" {
		flowID = identity.UserID
	}
	return userID, flowID, nil
}

func (h *Handler) RequestCode(c *fiber.Ctx) error {
	_, flowID, err := caller(c)
	if err != nil {
		return err
	}

	var req RequestCodeRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrBadRequest
	}

	codeHash, err := h.service.RequestCode(c.UserContext(), flowID, req.Phone)
	if err != nil {
		return flowError(err)
	}

	return utils.SuccessResponse(c, fiber.Map{
		"code_hash": codeHash,
	}, "Login code sent")
}

func (h *Handler) VerifyCode(c *fiber.Ctx) error {
	userID, flowID, err := caller(c)
	if err != nil {
		return err
	}

	var req VerifyCodeRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrBadRequest
	}

	_, err = h.service.VerifyCode(c.UserContext(), flowID, userID, req.Phone, req.Code, req.CodeHash)
	if errors.Is(err, ErrTwoFactorRequired) {
		return utils.SuccessResponse(c, fiber.Map{
			"status": "two_factor_required",
		}, "Two-factor password required")
	}
	if err != nil {
		return flowError(err)
	}

	return utils.SuccessResponse(c, fiber.Map{
		"status": "authorized",
	}, "Account connected")
}

func (h *Handler) Verify2FA(c *fiber.Ctx) error {
	userID, flowID, err := caller(c)
	if err != nil {
		return err
	}

	var req Verify2FARequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrBadRequest
	}

	_, err = h.service.Verify2FA(c.UserContext(), flowID, userID, req.Password)
	if err != nil {
		return flowError(err)
	}

	return utils.SuccessResponse(c, fiber.Map{
		"status": "authorized",
	}, "Account connected")
}

// Logout drops the live connection, deactivates the stored session, and
// discards any in-progress sign-in flow.
func (h *Handler) Logout(c *fiber.Ctx) error {
	userID, flowID, err := caller(c)
	if err != nil {
		return err
	}

	ctx := c.UserContext()
	h.service.Reset(ctx, flowID)
	h.pool.Evict(ctx, userID)
	h.broadcaster.Forget(userID)

	if err := h.store.Deactivate(ctx, userID); err != nil && !errors.Is(err, session.ErrRecordNotFound) {
		return utils.NewAPIError("LOGOUT_FAILED", "Failed to deactivate session", fiber.StatusInternalServerError)
	}

	return utils.SuccessResponse(c, nil, "Account disconnected")
}

// flowError maps flow outcomes onto API errors
func flowError(err error) error {
	switch {
	case errors.Is(err, ErrPhoneInvalid):
		return utils.NewAPIError("PHONE_INVALID", "Invalid phone number", fiber.StatusBadRequest)
	case errors.Is(err, ErrInvalidCode):
		return utils.NewAPIError("CODE_INVALID", "Invalid login code", fiber.StatusBadRequest)
	case errors.Is(err, ErrInvalidPassword):
		return utils.NewAPIError("PASSWORD_INVALID", "Invalid two-factor password", fiber.StatusBadRequest)
	case errors.Is(err, ErrCodeExpired):
		return utils.NewAPIError("CODE_EXPIRED", "Login code expired, request a new one", fiber.StatusGone)
	case errors.Is(err, ErrFlowNotFound):
		return utils.NewAPIError("FLOW_NOT_FOUND", "No sign-in in progress", fiber.StatusNotFound)
	case errors.Is(err, ErrOutOfOrder):
		return utils.NewAPIError("FLOW_OUT_OF_ORDER", "Sign-in steps called out of order", fiber.StatusConflict)
	case errors.Is(err, governor.ErrRotateSession):
		return utils.NewAPIError("RATE_LIMITED", "The account is rate limited, try again later", fiber.StatusTooManyRequests)
	}

	if rpc := remote.Parse(err); rpc.Kind == remote.KindRateLimited {
		apiErr := utils.NewAPIError("RATE_LIMITED", "The network asked us to slow down", fiber.StatusTooManyRequests)
		apiErr.Details = fiber.Map{"retry_after": rpc.Seconds}
		return apiErr
	}

	return utils.NewAPIError("REMOTE_ERROR", "The remote network rejected the request", fiber.StatusBadGateway)
}
