package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/MarkoPoloResearchLab/reformer/internal/bookingrpc"
)

const (
	paymentSecretHeader = "X-Payment-Secret"

	statusCancelled       = "cancelled"
	statusGranted         = "granted"
	statusAlreadyRecorded = "already_recorded"
)

// BookingBackend is the booking service as seen by the HTTP layer.
type BookingBackend interface {
	Reserve(ctx context.Context, request bookingrpc.ReserveRequest, options ...grpc.CallOption) (bookingrpc.BookingView, error)
	Cancel(ctx context.Context, request bookingrpc.CancelRequest, options ...grpc.CallOption) error
	GrantCredits(ctx context.Context, request bookingrpc.GrantCreditsRequest, options ...grpc.CallOption) (bookingrpc.BatchView, error)
	GetBalance(ctx context.Context, request bookingrpc.CustomerRequest, options ...grpc.CallOption) (bookingrpc.BalanceView, error)
	ListCreditEntries(ctx context.Context, request bookingrpc.ListCreditEntriesRequest, options ...grpc.CallOption) (bookingrpc.CreditEntriesView, error)
	CreateClass(ctx context.Context, request bookingrpc.CreateClassRequest, options ...grpc.CallOption) (bookingrpc.ClassView, error)
	ListUpcomingClasses(ctx context.Context, options ...grpc.CallOption) (bookingrpc.ClassListView, error)
	GetClassRoster(ctx context.Context, request bookingrpc.ClassRequest, options ...grpc.CallOption) (bookingrpc.ClassRosterView, error)
	ListCustomerBookings(ctx context.Context, request bookingrpc.CustomerRequest, options ...grpc.CallOption) (bookingrpc.BookingListView, error)
	ListCustomers(ctx context.Context, request bookingrpc.CustomerSearchRequest, options ...grpc.CallOption) (bookingrpc.CustomerSummaryListView, error)
}

type httpHandler struct {
	cfg     Config
	backend BookingBackend
	logger  *zap.Logger
}

type paymentRequest struct {
	CustomerID       string `json:"customer_id"`
	Credits          int    `json:"credits"`
	PaymentReference string `json:"payment_reference"`
}

type createClassRequest struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Instructor  string    `json:"instructor"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	Capacity    int       `json:"capacity"`
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.BookingTimeout)
}

func (handler *httpHandler) handleUpcomingClasses(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	classes, err := handler.backend.ListUpcomingClasses(requestCtx)
	if err != nil {
		handler.respondError(ctx, "list classes", err)
		return
	}
	ctx.JSON(http.StatusOK, classes)
}

func (handler *httpHandler) handleReserve(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	reserved, err := handler.backend.Reserve(requestCtx, bookingrpc.ReserveRequest{
		CustomerID:    claims.GetUserID(),
		ClassID:       ctx.Param("classID"),
		ContactFields: contactFromClaims(claims),
	})
	if err != nil {
		handler.respondError(ctx, "reserve", err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"booking": reserved})
}

func (handler *httpHandler) handleCancel(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	err := handler.backend.Cancel(requestCtx, bookingrpc.CancelRequest{
		CustomerID:    claims.GetUserID(),
		ClassID:       ctx.Param("classID"),
		ContactFields: contactFromClaims(claims),
	})
	if err != nil {
		handler.respondError(ctx, "cancel", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": statusCancelled})
}

func (handler *httpHandler) handleBookings(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	bookings, err := handler.backend.ListCustomerBookings(requestCtx, bookingrpc.CustomerRequest{CustomerID: claims.GetUserID()})
	if err != nil {
		handler.respondError(ctx, "list bookings", err)
		return
	}
	ctx.JSON(http.StatusOK, bookings)
}

func (handler *httpHandler) handleCredits(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	customer := bookingrpc.CustomerRequest{CustomerID: claims.GetUserID()}
	balance, err := handler.backend.GetBalance(requestCtx, customer)
	if err != nil {
		handler.respondError(ctx, "balance", err)
		return
	}
	entries, err := handler.backend.ListCreditEntries(requestCtx, bookingrpc.ListCreditEntriesRequest{
		CustomerID: customer.CustomerID,
		Limit:      handler.cfg.EntryPageSize,
	})
	if err != nil {
		handler.respondError(ctx, "credit entries", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": balance, "entries": entries.Entries})
}

func (handler *httpHandler) handlePayment(ctx *gin.Context) {
	var request paymentRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	batch, err := handler.backend.GrantCredits(requestCtx, bookingrpc.GrantCreditsRequest{
		CustomerID:       request.CustomerID,
		Credits:          request.Credits,
		PaymentReference: request.PaymentReference,
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			ctx.JSON(http.StatusOK, gin.H{"status": statusAlreadyRecorded})
			return
		}
		handler.respondError(ctx, "grant credits", err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"status": statusGranted, "batch": batch})
}

func (handler *httpHandler) handleCreateClass(ctx *gin.Context) {
	var request createClassRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	class, err := handler.backend.CreateClass(requestCtx, bookingrpc.CreateClassRequest(request))
	if err != nil {
		handler.respondError(ctx, "create class", err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"class": class})
}

func (handler *httpHandler) handleRoster(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	roster, err := handler.backend.GetClassRoster(requestCtx, bookingrpc.ClassRequest{ClassID: ctx.Param("classID")})
	if err != nil {
		handler.respondError(ctx, "roster", err)
		return
	}
	ctx.JSON(http.StatusOK, roster)
}

func (handler *httpHandler) handleCustomers(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	customers, err := handler.backend.ListCustomers(requestCtx, bookingrpc.CustomerSearchRequest{Search: ctx.Query("search")})
	if err != nil {
		handler.respondError(ctx, "list customers", err)
		return
	}
	ctx.JSON(http.StatusOK, customers)
}

func (handler *httpHandler) requireAdmin(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	if !handler.cfg.IsAdmin(claims.GetUserEmail(), claims.GetUserRoles()) {
		ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "admin access required"))
		return
	}
	ctx.Next()
}

func (handler *httpHandler) requirePaymentSecret(ctx *gin.Context) {
	provided := strings.TrimSpace(ctx.GetHeader(paymentSecretHeader))
	if subtle.ConstantTimeCompare([]byte(provided), []byte(handler.cfg.PaymentSecret)) != 1 {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid payment secret"))
		return
	}
	ctx.Next()
}

func (handler *httpHandler) respondError(ctx *gin.Context, action string, err error) {
	httpStatus, code := httpStatusFor(err)
	if httpStatus >= http.StatusInternalServerError {
		handler.logger.Error(action+" failed", zap.Error(err))
	}
	ctx.JSON(httpStatus, errorResponse(code, errorMessages[code]))
}

var errorMessages = map[string]string{
	"class_not_found":           "class not found",
	"booking_not_found":         "booking not found",
	"already_booked":            "you have already booked this class",
	"no_credits_available":      "no credits available",
	"class_full":                "class is full",
	"no_station_available":      "no reformer available",
	"duplicate_payment":         "payment already recorded",
	"invalid_customer_id":       "invalid customer id",
	"invalid_class_id":          "invalid class id",
	"invalid_payment_reference": "invalid payment reference",
	"invalid_class":             "invalid class",
	"invalid_credit_amount":     "credits must be greater than zero",
	"invalid_list_limit":        "invalid list limit",
	"invalid_request":           "invalid request",
	"booking_unavailable":       "booking service unavailable",
	"internal_error":            "internal error",
}

// httpStatusFor maps a booking service status to an HTTP status and a stable code.
func httpStatusFor(err error) (int, string) {
	statusInfo, ok := status.FromError(err)
	if !ok {
		return http.StatusInternalServerError, "internal_error"
	}
	code := statusInfo.Message()
	if _, known := errorMessages[code]; !known {
		code = "internal_error"
	}
	switch statusInfo.Code() {
	case codes.InvalidArgument:
		return http.StatusBadRequest, code
	case codes.NotFound:
		return http.StatusNotFound, code
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted:
		return http.StatusConflict, code
	case codes.Unavailable, codes.DeadlineExceeded:
		return http.StatusBadGateway, "booking_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func contactFromClaims(claims *sessionvalidator.Claims) bookingrpc.ContactFields {
	return bookingrpc.ContactFields{
		ContactEmail: claims.GetUserEmail(),
		ContactName:  claims.GetUserDisplayName(),
	}
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
