package availability

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hms/scheduler/internal/platform/auth"
	"github.com/hms/scheduler/pkg/pagination"
)

// IdempotencyHeader carries the client's retry key on booking requests.
const IdempotencyHeader = "Idempotency-Key"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read, book, reschedule and cancel – every role
	anyRole := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleReceptionist, auth.RolePatient))
	anyRole.GET("/doctors/:doctorId/availability", h.GetAvailability)
	anyRole.GET("/doctors/:doctorId/calendar", h.GetCalendar)
	anyRole.GET("/doctors/:doctorId/exceptions", h.ListExceptions)
	anyRole.POST("/appointments", h.Book)
	anyRole.GET("/appointments", h.ListAppointments)
	anyRole.GET("/appointments/:id", h.GetAppointment)
	anyRole.POST("/appointments/:id/reschedule", h.Reschedule)
	anyRole.POST("/appointments/:id/cancel", h.Cancel)

	// Front desk
	desk := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleReceptionist))
	desk.POST("/appointments/:id/checkin", h.CheckIn)

	// Doctor only
	doctor := api.Group("", auth.RequireRole(auth.RoleDoctor))
	doctor.POST("/appointments/:id/complete", h.Complete)
	doctor.PUT("/doctors/:doctorId/weekly-template", h.PutWeeklyTemplate)
	doctor.PUT("/doctors/:doctorId/preferences", h.PutPreferences)
	doctor.POST("/doctors/:doctorId/exceptions", h.AddException)
	doctor.DELETE("/doctors/:doctorId/exceptions/:exceptionId", h.RemoveException)
}

// httpError maps engine errors onto HTTP status codes. Unclassified errors
// become a 500 with the cause kept as the internal error for logging.
func httpError(err error) error {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrSlotUnavailable):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
}

func uuidParam(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// bindValid binds the request body into req and runs the registered validator.
func bindValid(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return httpError(unwrapBind(err))
	}
	return c.Validate(req)
}

// -- Availability and calendar --

func (h *Handler) GetAvailability(c echo.Context) error {
	doctorID, err := uuidParam(c, "doctorId")
	if err != nil {
		return err
	}
	date, err := ParseDate(c.QueryParam("date"))
	if err != nil {
		return httpError(err)
	}
	slots, err := h.svc.Availability(c.Request().Context(), doctorID, date)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"doctor_id": doctorID,
		"date":      date,
		"slots":     slots,
	})
}

func (h *Handler) GetCalendar(c echo.Context) error {
	doctorID, err := uuidParam(c, "doctorId")
	if err != nil {
		return err
	}
	cal, err := h.svc.GetCalendar(c.Request().Context(), doctorID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cal)
}

func (h *Handler) PutWeeklyTemplate(c echo.Context) error {
	doctorID, err := uuidParam(c, "doctorId")
	if err != nil {
		return err
	}
	var tmpl WeeklyTemplate
	if err := c.Bind(&tmpl); err != nil {
		return httpError(unwrapBind(err))
	}
	cal, err := h.svc.PutWeeklyTemplate(c.Request().Context(), doctorID, tmpl)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cal)
}

type preferencesRequest struct {
	MaxAppointmentsPerDay *int  `json:"max_appointments_per_day" validate:"required"`
	BufferTimeMinutes     *int  `json:"buffer_time_minutes" validate:"required"`
	AllowOnlineBooking    *bool `json:"allow_online_booking" validate:"required"`
	AdvanceBookingDays    *int  `json:"advance_booking_days" validate:"required"`
}

func (h *Handler) PutPreferences(c echo.Context) error {
	doctorID, err := uuidParam(c, "doctorId")
	if err != nil {
		return err
	}
	var req preferencesRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	prefs := Preferences{
		MaxAppointmentsPerDay: *req.MaxAppointmentsPerDay,
		BufferTimeMinutes:     *req.BufferTimeMinutes,
		AllowOnlineBooking:    *req.AllowOnlineBooking,
		AdvanceBookingDays:    *req.AdvanceBookingDays,
	}
	cal, err := h.svc.PutPreferences(c.Request().Context(), doctorID, prefs)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cal)
}

// -- Exceptions --

func (h *Handler) ListExceptions(c echo.Context) error {
	doctorID, err := uuidParam(c, "doctorId")
	if err != nil {
		return err
	}
	var date *Date
	if q := c.QueryParam("date"); q != "" {
		d, err := ParseDate(q)
		if err != nil {
			return httpError(err)
		}
		date = &d
	}
	items, err := h.svc.ListExceptions(c.Request().Context(), doctorID, date)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) AddException(c echo.Context) error {
	doctorID, err := uuidParam(c, "doctorId")
	if err != nil {
		return err
	}
	var e Exception
	if err := c.Bind(&e); err != nil {
		return httpError(unwrapBind(err))
	}
	created, err := h.svc.AddException(c.Request().Context(), doctorID, &e)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, created)
}

func (h *Handler) RemoveException(c echo.Context) error {
	doctorID, err := uuidParam(c, "doctorId")
	if err != nil {
		return err
	}
	exceptionID, err := uuidParam(c, "exceptionId")
	if err != nil {
		return err
	}
	if err := h.svc.RemoveException(c.Request().Context(), doctorID, exceptionID); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Appointments --

type bookRequest struct {
	DoctorID  string `json:"doctor_id" validate:"required,uuid"`
	PatientID string `json:"patient_id" validate:"required,uuid"`
	Date      string `json:"date" validate:"required,isodate"`
	Time      string `json:"time" validate:"required,clock"`
	Reason    string `json:"reason" validate:"max=500"`
}

func (h *Handler) Book(c echo.Context) error {
	var req bookRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	date, err := ParseDate(req.Date)
	if err != nil {
		return httpError(err)
	}
	at, err := ParseClock(req.Time)
	if err != nil {
		return httpError(err)
	}
	ctx := c.Request().Context()
	appt, err := h.svc.Book(ctx, BookRequest{
		DoctorID:       uuid.MustParse(req.DoctorID),
		PatientID:      uuid.MustParse(req.PatientID),
		Date:           date,
		Time:           at,
		Reason:         req.Reason,
		Online:         auth.IsPatientOnly(ctx),
		IdempotencyKey: c.Request().Header.Get(IdempotencyHeader),
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, appt)
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	appt, err := h.svc.GetAppointment(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) ListAppointments(c echo.Context) error {
	var f AppointmentFilter
	if v := c.QueryParam("doctor_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid doctor_id")
		}
		f.DoctorID = id
	}
	if v := c.QueryParam("patient_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		f.PatientID = id
	}
	if v := c.QueryParam("date"); v != "" {
		d, err := ParseDate(v)
		if err != nil {
			return httpError(err)
		}
		f.Date = &d
	}
	if v := c.QueryParam("status"); v != "" {
		st, err := ParseStatus(v)
		if err != nil {
			return httpError(err)
		}
		f.Status = st
	}

	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListAppointments(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

type rescheduleRequest struct {
	Date string `json:"date" validate:"required,isodate"`
	Time string `json:"time" validate:"required,clock"`
}

func (h *Handler) Reschedule(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	var req rescheduleRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	date, err := ParseDate(req.Date)
	if err != nil {
		return httpError(err)
	}
	at, err := ParseClock(req.Time)
	if err != nil {
		return httpError(err)
	}
	appt, err := h.svc.Reschedule(c.Request().Context(), id, date, at)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, appt)
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	var req cancelRequest
	if c.Request().ContentLength != 0 {
		if err := bindValid(c, &req); err != nil {
			return err
		}
	}
	appt, err := h.svc.Cancel(c.Request().Context(), id, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) CheckIn(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	appt, err := h.svc.CheckIn(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) Complete(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	appt, err := h.svc.Complete(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, appt)
}

// unwrapBind surfaces engine validation errors raised by the JSON decoders of
// Clock, Date and Weekday; other bind failures become a plain 400.
func unwrapBind(err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if errors.Is(he.Internal, ErrValidation) {
			return he.Internal
		}
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return err
}
