package status

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/Solvire/gramline/internal/domain/auth"
	"github.com/Solvire/gramline/internal/utils"
)

const keepaliveInterval = 30 * time.Second

// Handler exposes connection status over HTTP, both as a one-shot snapshot
// and as a server-sent event stream.
type Handler struct {
	broadcaster *Broadcaster
}

// NewHandler creates a Handler
func NewHandler(broadcaster *Broadcaster) *Handler {
	return &Handler{broadcaster: broadcaster}
}

func callerID(c *fiber.Ctx) (uuid.UUID, error) {
	identity := auth.GetIdentity(c)
	if identity == nil {
		return uuid.Nil, utils.ErrUnauthorized
	}
	userID, err := uuid.Parse(identity.UserID)
	if err != nil {
		return uuid.Nil, utils.ErrUnauthorized
	}
	return userID, nil
}

// Current returns the last known connection status for the caller
func (h *Handler) Current(c *fiber.Ctx) error {
	userID, err := callerID(c)
	if err != nil {
		return err
	}

	u, ok := h.broadcaster.Latest(userID)
	if !ok {
		u = Update{UserID: userID, State: StateDisconnected, LastChecked: time.Now().UTC()}
	}

	return utils.SuccessResponse(c, u, "Connection status")
}

// Stream pushes the caller's status updates as server-sent events until the
// client goes away.
func (h *Handler) Stream(c *fiber.Ctx) error {
	userID, err := callerID(c)
	if err != nil {
		return err
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	ch, cancel := h.broadcaster.Subscribe()

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer cancel()

		keepalive := time.NewTicker(keepaliveInterval)
		defer keepalive.Stop()

		for {
			select {
			case u, ok := <-ch:
				if !ok {
					return
				}
				if u.UserID != userID {
					continue
				}
				if err := writeEvent(w, u); err != nil {
					return
				}
			case <-keepalive.C:
				// comment line keeps proxies from closing the stream
				if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	}))

	return nil
}

func writeEvent(w *bufio.Writer, u Update) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: status\ndata: %s\n\n", data); err != nil {
		return err
	}
	return w.Flush()
}
