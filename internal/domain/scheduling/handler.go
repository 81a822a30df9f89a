package scheduling

import (
	"errors"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ffcertificate/scheduler/internal/platform/auth"
	"github.com/ffcertificate/scheduler/internal/platform/codes"
	"github.com/ffcertificate/scheduler/pkg/pagination"
)

// TokenHeader carries a guest's confirmation token.
const TokenHeader = "X-Confirmation-Token"

// maxSlotRangeDays bounds a single slots query.
const maxSlotRangeDays = 92

type Handler struct {
	svc        *Service
	writeLimit echo.MiddlewareFunc
	logger     zerolog.Logger
}

// NewHandler returns the REST adapter. writeLimit, when set, guards the
// booking and cancellation routes.
func NewHandler(svc *Service, writeLimit echo.MiddlewareFunc, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, writeLimit: writeLimit, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/calendars", h.ListCalendars)
	api.GET("/calendars/:id", h.GetCalendar)
	api.GET("/calendars/:id/slots", h.ListSlots)
	api.GET("/appointments/verify/:code", h.Verify)
	api.GET("/appointments/by-token/:token", h.GetByToken)

	var limited []echo.MiddlewareFunc
	if h.writeLimit != nil {
		limited = append(limited, h.writeLimit)
	}
	api.POST("/calendars/:id/appointments", h.Book, limited...)
	api.POST("/appointments/:id/cancel", h.Cancel, limited...)

	adminOnly := auth.RequireRole(auth.RoleAdmin)
	api.POST("/appointments/:id/approve", h.Approve, adminOnly)
	api.POST("/appointments/:id/reconcile", h.Reconcile, adminOnly)
}

// -- request and response bodies --

type bookingBody struct {
	Date        string         `json:"date"`
	Start       TimeOfDay      `json:"start"`
	End         TimeOfDay      `json:"end"`
	Name        string         `json:"name"`
	Email       string         `json:"email"`
	Phone       string         `json:"phone"`
	CPF         string         `json:"cpf"`
	RF          string         `json:"rf"`
	Custom      map[string]any `json:"custom"`
	Consent     bool           `json:"consent"`
	ConsentText string         `json:"consent_text"`
}

type bookingResponse struct {
	*AppointmentView
	// ConfirmationToken lets a guest manage the booking later.
	ConfirmationToken string `json:"confirmation_token"`
}

type slotJSON struct {
	Date      string    `json:"date"`
	Start     TimeOfDay `json:"start"`
	End       TimeOfDay `json:"end"`
	Remaining int       `json:"remaining"`
}

type cancelBody struct {
	Reason string `json:"reason"`
}

type reconcileBody struct {
	Status AppointmentStatus `json:"status"`
}

// -- handlers --

func (h *Handler) ListCalendars(c echo.Context) error {
	ctx := c.Request().Context()
	status := CalendarActive
	if auth.IsAdmin(ctx) {
		status = CalendarStatus(c.QueryParam("status"))
	}
	cals, err := h.svc.ListCalendars(ctx, status)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, pagination.Slice(cals, pagination.FromContext(c)))
}

func (h *Handler) GetCalendar(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	cal, err := h.svc.Calendar(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	if !cal.Active() && !auth.IsAdmin(c.Request().Context()) {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}
	return c.JSON(http.StatusOK, cal)
}

func (h *Handler) ListSlots(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	loc := h.svc.Location()
	from, err := time.ParseInLocation(time.DateOnly, c.QueryParam("from"), loc)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "from must be a YYYY-MM-DD date")
	}
	to := from
	if s := c.QueryParam("to"); s != "" {
		if to, err = time.ParseInLocation(time.DateOnly, s, loc); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "to must be a YYYY-MM-DD date")
		}
	}
	if to.Before(from) {
		return echo.NewHTTPError(http.StatusBadRequest, "to is before from")
	}
	if to.Sub(from) > maxSlotRangeDays*24*time.Hour {
		return echo.NewHTTPError(http.StatusBadRequest, "date range is too long")
	}

	view := ViewBookable
	switch c.QueryParam("view") {
	case "", "bookable":
	case "capacity":
		view = ViewCapacity
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "view must be bookable or capacity")
	}

	seq, err := h.svc.OpenSlots(c.Request().Context(), id, from, to, view)
	if err != nil {
		return h.fail(c, err)
	}
	out := []slotJSON{}
	for s, err := range seq {
		if err != nil {
			return h.fail(c, err)
		}
		out = append(out, slotJSON{
			Date:      s.Date.Format(time.DateOnly),
			Start:     s.Start,
			End:       s.End,
			Remaining: s.Remaining,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) Book(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body bookingBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	date, err := time.ParseInLocation(time.DateOnly, body.Date, h.svc.Location())
	if err != nil {
		return c.JSON(http.StatusBadRequest, rejectInvalid(ValidationErrors{
			{Field: "date", Message: "date must be a YYYY-MM-DD date"},
		}))
	}

	req := BookingRequest{
		Date:  date,
		Start: body.Start,
		End:   body.End,
		Contact: ContactData{
			Name:   body.Name,
			Email:  body.Email,
			Phone:  body.Phone,
			CPF:    body.CPF,
			RF:     body.RF,
			Custom: body.Custom,
		},
		Consent:     body.Consent,
		ConsentText: body.ConsentText,
		UserIP:      c.RealIP(),
		UserAgent:   truncate(c.Request().UserAgent(), 512),
	}
	if uid, ok := auth.UserIDFromContext(c.Request().Context()); ok {
		req.UserID = &uid
	}

	appt, rej, err := h.svc.Book(c.Request().Context(), id, req)
	if err != nil {
		return h.fail(c, err)
	}
	if rej != nil {
		return h.reject(c, rej)
	}
	return c.JSON(http.StatusCreated, bookingResponse{
		AppointmentView:   h.svc.Reveal(appt),
		ConfirmationToken: appt.ConfirmationToken,
	})
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body cancelBody
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&body); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	actor := actorFrom(c)
	if !actor.Authenticated() && actor.Token == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "sign in or provide the confirmation token")
	}

	appt, rej, err := h.svc.Cancel(c.Request().Context(), id, actor, truncate(body.Reason, 1000))
	if err != nil {
		return h.fail(c, err)
	}
	if rej != nil {
		return h.reject(c, rej)
	}
	return c.JSON(http.StatusOK, h.svc.Reveal(appt))
}

func (h *Handler) Approve(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	appt, rej, err := h.svc.Approve(c.Request().Context(), id, actorFrom(c))
	if err != nil {
		return h.fail(c, err)
	}
	if rej != nil {
		return h.reject(c, rej)
	}
	return c.JSON(http.StatusOK, h.svc.Reveal(appt))
}

func (h *Handler) Reconcile(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body reconcileBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	appt, rej, err := h.svc.Reconcile(c.Request().Context(), id, body.Status, actorFrom(c))
	if err != nil {
		return h.fail(c, err)
	}
	if rej != nil {
		return h.reject(c, rej)
	}
	return c.JSON(http.StatusOK, h.svc.Reveal(appt))
}

// Verify is public; only administrators see the booker's contact data.
func (h *Handler) Verify(c echo.Context) error {
	view, err := h.svc.Verify(c.Request().Context(), c.Param("code"))
	if err != nil {
		return h.fail(c, err)
	}
	if !auth.IsAdmin(c.Request().Context()) {
		view = publicView(view)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) GetByToken(c echo.Context) error {
	view, err := h.svc.FindByToken(c.Request().Context(), c.Param("token"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

// -- helpers --

func actorFrom(c echo.Context) Actor {
	ctx := c.Request().Context()
	var actor Actor
	if uid, ok := auth.UserIDFromContext(ctx); ok {
		actor.UserID = &uid
		actor.Admin = auth.IsAdmin(ctx)
	}
	actor.Token = c.Request().Header.Get(TokenHeader)
	if actor.Token == "" {
		actor.Token = c.QueryParam("token")
	}
	return actor
}

func publicView(v *AppointmentView) *AppointmentView {
	return &AppointmentView{
		ID:             v.ID,
		CalendarID:     v.CalendarID,
		Date:           v.Date,
		Start:          v.Start,
		End:            v.End,
		Status:         v.Status,
		ValidationCode: v.ValidationCode,
		Name:           v.Name,
	}
}

// RejectionStatus maps a rejection reason to its HTTP status.
func RejectionStatus(r RejectReason) int {
	switch r {
	case ReasonSlotFull, ReasonSlotNotAvailable, ReasonInvalidTransition:
		return http.StatusConflict
	case ReasonCalendarInactive, ReasonOutsideBookingWindow, ReasonIntervalViolation:
		return http.StatusUnprocessableEntity
	case ReasonInvalidRequest:
		return http.StatusBadRequest
	case ReasonForbidden, ReasonNotCancellable:
		return http.StatusForbidden
	case ReasonAlreadyCancelled:
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}

func (h *Handler) reject(c echo.Context, rej *Rejection) error {
	return c.JSON(RejectionStatus(rej.Reason), rej)
}

// fail maps service errors to HTTP errors. Anything unexpected is logged and
// answered with a generic message.
func (h *Handler) fail(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrWrongCodeSpace):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, codes.ErrMalformed):
		return echo.NewHTTPError(http.StatusBadRequest, "malformed validation code")
	}
	rid, _ := c.Get("request_id").(string)
	h.logger.Error().Err(err).Str("request_id", rid).Str("route", c.Path()).Msg("request failed")
	return echo.NewHTTPError(http.StatusInternalServerError, "something went wrong, please try again")
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
