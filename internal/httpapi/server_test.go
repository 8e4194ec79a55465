package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MarkoPoloResearchLab/reformer/internal/bookingrpc"
	"github.com/MarkoPoloResearchLab/reformer/internal/grpcclient"
	"github.com/MarkoPoloResearchLab/reformer/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/reformer/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/reformer/pkg/booking"
)

const (
	bufconnSize   = 1 << 20
	paymentSecret = "webhook-secret"
)

var databaseCounter atomic.Int64

type sessionUser struct {
	id    string
	email string
	roles []string
}

func testConfig() Config {
	cfg := Config{
		ListenAddr:        ":0",
		BookingAddress:    "bufnet",
		BookingInsecure:   true,
		BookingTimeout:    2 * time.Second,
		AllowedOrigins:    []string{"http://localhost:8000"},
		SessionSigningKey: "secret-key",
		SessionIssuer:     "tauth",
		SessionCookieName: "app_session",
		AdminEmails:       []string{"Owner@Studio.test"},
		PaymentSecret:     paymentSecret,
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

func startBookingClient(t *testing.T, now time.Time) *bookingrpc.Client {
	t.Helper()
	dsn := fmt.Sprintf("file:httpapi_%d?mode=memory&cache=shared", databaseCounter.Add(1))
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("sqlite open failed: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := gormstore.Migrate(context.Background(), database); err != nil {
		t.Fatalf("automigrate failed: %v", err)
	}
	service, err := booking.NewService(gormstore.New(database), func() time.Time { return now })
	if err != nil {
		t.Fatalf("service init failed: %v", err)
	}

	listener := bufconn.Listen(bufconnSize)
	grpcServer := grpc.NewServer()
	bookingrpc.RegisterBookingServiceServer(grpcServer, grpcserver.NewBookingServiceServer(service, zap.NewNop()))
	go func() { _ = grpcServer.Serve(listener) }()
	t.Cleanup(grpcServer.Stop)

	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	connection, err := grpcclient.Dial(waitCtx, grpcclient.Config{
		Address:  "passthrough:///bufnet",
		Insecure: true,
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return listener.DialContext(ctx)
			}),
		},
	})
	if err != nil {
		t.Fatalf("gRPC client failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = connection.Close() })
	return connection.Client()
}

func startAPI(t *testing.T, cfg Config, backend BookingBackend) *httptest.Server {
	t.Helper()
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		t.Fatalf("validator init failed: %v", err)
	}
	server := httptest.NewServer(NewRouter(cfg, backend, validator, zap.NewNop()))
	t.Cleanup(server.Close)
	return server
}

func buildSessionCookie(t *testing.T, cfg Config, user sessionUser) *http.Cookie {
	t.Helper()
	claims := &sessionvalidator.Claims{
		UserID:          user.id,
		UserEmail:       user.email,
		UserDisplayName: "Studio Member",
		UserRoles:       user.roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.SessionIssuer,
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(cfg.SessionSigningKey))
	if err != nil {
		t.Fatalf("token signing failed: %v", err)
	}
	return &http.Cookie{Name: cfg.SessionCookieName, Value: signed}
}

type requestOptions struct {
	cookie  *http.Cookie
	payload any
	headers map[string]string
}

func execRequest(t *testing.T, server *httptest.Server, method string, path string, options requestOptions, wantStatus int, target any) {
	t.Helper()
	var body bytes.Buffer
	if options.payload != nil {
		if err := json.NewEncoder(&body).Encode(options.payload); err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
	}
	req, err := http.NewRequest(method, server.URL+path, &body)
	if err != nil {
		t.Fatalf("request init failed: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range options.headers {
		req.Header.Set(key, value)
	}
	if options.cookie != nil {
		req.AddCookie(options.cookie)
	}
	resp, err := server.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("%s %s: expected status %d, got %d", method, path, wantStatus, resp.StatusCode)
	}
	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
	}
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type bookingEnvelope struct {
	Booking bookingrpc.BookingView `json:"booking"`
}

type classEnvelope struct {
	Class bookingrpc.ClassView `json:"class"`
}

type creditsEnvelope struct {
	Balance bookingrpc.BalanceView       `json:"balance"`
	Entries []bookingrpc.CreditEntryView `json:"entries"`
}

type paymentEnvelope struct {
	Status string               `json:"status"`
	Batch  bookingrpc.BatchView `json:"batch"`
}

func TestStudioAPIBookingFlow(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	cfg := testConfig()
	server := startAPI(t, cfg, startBookingClient(t, now))

	admin := buildSessionCookie(t, cfg, sessionUser{id: "owner", email: "owner@studio.test"})
	member := buildSessionCookie(t, cfg, sessionUser{id: "member-1", email: "member@studio.test"})

	var created classEnvelope
	execRequest(t, server, http.MethodPost, "/api/admin/classes", requestOptions{
		cookie: admin,
		payload: map[string]any{
			"title":      "Evening Reformer",
			"instructor": "Kai",
			"start_time": now.Add(24 * time.Hour),
			"end_time":   now.Add(25 * time.Hour),
			"capacity":   6,
		},
	}, http.StatusCreated, &created)
	if created.Class.ClassID == "" || created.Class.AvailableSpots != 6 {
		t.Fatalf("unexpected class %+v", created.Class)
	}

	var noCredits errorEnvelope
	bookingPath := "/api/classes/" + created.Class.ClassID + "/booking"
	execRequest(t, server, http.MethodPost, bookingPath, requestOptions{cookie: member}, http.StatusConflict, &noCredits)
	if noCredits.Error.Code != "no_credits_available" {
		t.Fatalf("expected no_credits_available, got %+v", noCredits)
	}

	payment := map[string]any{"customer_id": "member-1", "credits": 5, "payment_reference": "pi_123"}
	secret := map[string]string{paymentSecretHeader: paymentSecret}
	var granted paymentEnvelope
	execRequest(t, server, http.MethodPost, "/api/payments", requestOptions{payload: payment, headers: secret}, http.StatusCreated, &granted)
	if granted.Status != statusGranted || granted.Batch.CreditsRemaining != 5 {
		t.Fatalf("unexpected grant %+v", granted)
	}
	var repeated paymentEnvelope
	execRequest(t, server, http.MethodPost, "/api/payments", requestOptions{payload: payment, headers: secret}, http.StatusOK, &repeated)
	if repeated.Status != statusAlreadyRecorded {
		t.Fatalf("expected already_recorded, got %+v", repeated)
	}

	var customers bookingrpc.CustomerSummaryListView
	execRequest(t, server, http.MethodGet, "/api/admin/customers?search=MEMBER", requestOptions{cookie: admin}, http.StatusOK, &customers)
	if len(customers.Customers) != 1 || customers.Customers[0].CustomerID != "member-1" || customers.Customers[0].PurchasedCredits != 5 {
		t.Fatalf("unexpected customers %+v", customers)
	}

	var reserved bookingEnvelope
	execRequest(t, server, http.MethodPost, bookingPath, requestOptions{cookie: member}, http.StatusCreated, &reserved)
	if reserved.Booking.StationNumber != 1 {
		t.Fatalf("expected station 1, got %d", reserved.Booking.StationNumber)
	}

	var duplicate errorEnvelope
	execRequest(t, server, http.MethodPost, bookingPath, requestOptions{cookie: member}, http.StatusConflict, &duplicate)
	if duplicate.Error.Code != "already_booked" {
		t.Fatalf("expected already_booked, got %+v", duplicate)
	}

	var classes bookingrpc.ClassListView
	execRequest(t, server, http.MethodGet, "/api/classes", requestOptions{}, http.StatusOK, &classes)
	if len(classes.Classes) != 1 || classes.Classes[0].AvailableSpots != 5 {
		t.Fatalf("unexpected classes %+v", classes)
	}

	var credits creditsEnvelope
	execRequest(t, server, http.MethodGet, "/api/credits", requestOptions{cookie: member}, http.StatusOK, &credits)
	if credits.Balance.TotalCredits != 4 || len(credits.Entries) != 2 {
		t.Fatalf("unexpected credits %+v", credits)
	}

	var roster bookingrpc.ClassRosterView
	execRequest(t, server, http.MethodGet, "/api/admin/classes/"+created.Class.ClassID+"/roster", requestOptions{cookie: admin}, http.StatusOK, &roster)
	if len(roster.Bookings) != 1 || roster.Bookings[0].CustomerID != "member-1" {
		t.Fatalf("unexpected roster %+v", roster)
	}

	execRequest(t, server, http.MethodDelete, bookingPath, requestOptions{cookie: member}, http.StatusOK, nil)

	var bookings bookingrpc.BookingListView
	execRequest(t, server, http.MethodGet, "/api/bookings", requestOptions{cookie: member}, http.StatusOK, &bookings)
	if len(bookings.Bookings) != 0 {
		t.Fatalf("expected no bookings after cancel, got %+v", bookings)
	}

	var missing errorEnvelope
	execRequest(t, server, http.MethodDelete, bookingPath, requestOptions{cookie: member}, http.StatusNotFound, &missing)
	if missing.Error.Code != "booking_not_found" {
		t.Fatalf("expected booking_not_found, got %+v", missing)
	}
}

func TestStudioAPIAccessControl(t *testing.T) {
	cfg := testConfig()
	server := startAPI(t, cfg, startBookingClient(t, time.Now().UTC()))

	member := buildSessionCookie(t, cfg, sessionUser{id: "member-1", email: "member@studio.test"})
	roleAdmin := buildSessionCookie(t, cfg, sessionUser{id: "staff", email: "staff@studio.test", roles: []string{"admin"}})

	var forbidden errorEnvelope
	execRequest(t, server, http.MethodPost, "/api/admin/classes", requestOptions{cookie: member, payload: map[string]any{}}, http.StatusForbidden, &forbidden)
	if forbidden.Error.Code != "forbidden" {
		t.Fatalf("expected forbidden, got %+v", forbidden)
	}

	var invalid errorEnvelope
	execRequest(t, server, http.MethodPost, "/api/admin/classes", requestOptions{
		cookie:  roleAdmin,
		payload: map[string]any{"title": "", "capacity": 0},
	}, http.StatusBadRequest, &invalid)
	if invalid.Error.Code != "invalid_class" {
		t.Fatalf("expected invalid_class, got %+v", invalid)
	}

	execRequest(t, server, http.MethodPost, "/api/payments", requestOptions{
		payload: map[string]any{"customer_id": "member-1", "credits": 1, "payment_reference": "pi_x"},
		headers: map[string]string{paymentSecretHeader: "wrong"},
	}, http.StatusUnauthorized, nil)

	execRequest(t, server, http.MethodGet, "/api/admin/customers", requestOptions{cookie: member}, http.StatusForbidden, nil)

	var unknownClass errorEnvelope
	execRequest(t, server, http.MethodPost, "/api/classes/not-a-uuid/booking", requestOptions{cookie: member}, http.StatusNotFound, &unknownClass)
	if unknownClass.Error.Code != "class_not_found" {
		t.Fatalf("expected class_not_found, got %+v", unknownClass)
	}
	var unknownBooking errorEnvelope
	execRequest(t, server, http.MethodDelete, "/api/classes/not-a-uuid/booking", requestOptions{cookie: member}, http.StatusNotFound, &unknownBooking)
	if unknownBooking.Error.Code != "booking_not_found" {
		t.Fatalf("expected booking_not_found, got %+v", unknownBooking)
	}

	execRequest(t, server, http.MethodGet, "/healthz", requestOptions{}, http.StatusOK, nil)
}

func TestHandlersRequireClaims(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)
	handler := &httpHandler{cfg: testConfig(), logger: zap.NewNop()}

	for _, handle := range []gin.HandlerFunc{handler.handleReserve, handler.handleCancel, handler.handleBookings, handler.handleCredits, handler.requireAdmin} {
		recorder := httptest.NewRecorder()
		ctx, _ := gin.CreateTestContext(recorder)
		ctx.Request = httptest.NewRequest(http.MethodGet, "/api/bookings", nil)
		handle(ctx)
		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", recorder.Code)
		}
	}
}

func TestPaymentsRouteDisabledWithoutSecret(t *testing.T) {
	cfg := testConfig()
	cfg.PaymentSecret = ""
	server := startAPI(t, cfg, startBookingClient(t, time.Now().UTC()))
	execRequest(t, server, http.MethodPost, "/api/payments", requestOptions{payload: map[string]any{}}, http.StatusNotFound, nil)
}

func TestHTTPStatusFor(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "invalid argument", err: status.Error(codes.InvalidArgument, "invalid_class_id"), wantStatus: http.StatusBadRequest, wantCode: "invalid_class_id"},
		{name: "not found", err: status.Error(codes.NotFound, "class_not_found"), wantStatus: http.StatusNotFound, wantCode: "class_not_found"},
		{name: "class full", err: status.Error(codes.FailedPrecondition, "class_full"), wantStatus: http.StatusConflict, wantCode: "class_full"},
		{name: "no station", err: status.Error(codes.Aborted, "no_station_available"), wantStatus: http.StatusConflict, wantCode: "no_station_available"},
		{name: "unavailable", err: status.Error(codes.Unavailable, "connection refused"), wantStatus: http.StatusBadGateway, wantCode: "booking_unavailable"},
		{name: "internal", err: status.Error(codes.Internal, "internal_error"), wantStatus: http.StatusInternalServerError, wantCode: "internal_error"},
		{name: "unknown message", err: status.Error(codes.NotFound, "something else"), wantStatus: http.StatusNotFound, wantCode: "internal_error"},
		{name: "plain error", err: errors.New("boom"), wantStatus: http.StatusInternalServerError, wantCode: "internal_error"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			gotStatus, gotCode := httpStatusFor(testCase.err)
			if gotStatus != testCase.wantStatus || gotCode != testCase.wantCode {
				t.Fatalf("got %d/%s, want %d/%s", gotStatus, gotCode, testCase.wantStatus, testCase.wantCode)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := Config{SessionSigningKey: "k", AdminEmails: []string{" Owner@Studio.test ", ""}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.ListenAddr != defaultListenAddr || cfg.BookingTimeout != defaultBookingTimeout || cfg.AdminRole != defaultAdminRole {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if len(cfg.AdminEmails) != 1 || cfg.AdminEmails[0] != "owner@studio.test" {
		t.Fatalf("unexpected admin emails %v", cfg.AdminEmails)
	}
	if !cfg.IsAdmin("OWNER@studio.test", nil) || cfg.IsAdmin("guest@studio.test", []string{"member"}) || !cfg.IsAdmin("", []string{"admin"}) {
		t.Fatalf("unexpected admin decisions")
	}

	if err := (&Config{}).Validate(); err == nil {
		t.Fatalf("expected missing signing key error")
	}
	if got := ParseList(" a@x.test, ,b@x.test "); len(got) != 2 || got[1] != "b@x.test" {
		t.Fatalf("unexpected parsed list %v", got)
	}
}
