package grpcserver

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/MarkoPoloResearchLab/reformer/internal/bookingrpc"
	"github.com/MarkoPoloResearchLab/reformer/pkg/booking"
)

const (
	ErrorClassNotFound       = "class_not_found"
	ErrorBookingNotFound     = "booking_not_found"
	ErrorAlreadyBooked       = "already_booked"
	ErrorNoCreditsAvailable  = "no_credits_available"
	ErrorClassFull           = "class_full"
	ErrorNoStationAvailable  = "no_station_available"
	ErrorDuplicatePayment    = "duplicate_payment"
	ErrorInvalidCustomerID   = "invalid_customer_id"
	ErrorInvalidClassID      = "invalid_class_id"
	ErrorInvalidPaymentRef   = "invalid_payment_reference"
	ErrorInvalidClass        = "invalid_class"
	ErrorInvalidCreditAmount = "invalid_credit_amount"
	ErrorInvalidListLimit    = "invalid_list_limit"
	ErrorInternal            = "internal_error"
)

// BookingServiceServer exposes the booking service over gRPC.
type BookingServiceServer struct {
	bookingService *booking.Service
	logger         *zap.Logger
}

// NewBookingServiceServer constructs a gRPC server for the booking service.
func NewBookingServiceServer(bookingService *booking.Service, logger *zap.Logger) *BookingServiceServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BookingServiceServer{bookingService: bookingService, logger: logger}
}

func (server *BookingServiceServer) Reserve(ctx context.Context, request *bookingrpc.ReserveRequest) (*bookingrpc.BookingView, error) {
	customerID, err := booking.NewCustomerID(request.CustomerID)
	if err != nil {
		return nil, server.mapToGRPCError(err)
	}
	classID, err := booking.NewClassID(request.ClassID)
	if err != nil {
		return nil, server.mapToGRPCError(err)
	}
	ctx = withContact(ctx, request.ContactFields)
	record, operationError := server.bookingService.Reserve(ctx, customerID, classID)
	if operationError != nil {
		return nil, server.mapToGRPCError(operationError)
	}
	view := bookingrpc.NewBookingView(record)
	return &view, nil
}

func (server *BookingServiceServer) Cancel(ctx context.Context, request *bookingrpc.CancelRequest) (*bookingrpc.CancelResponse, error) {
	customerID, err := booking.NewCustomerID(request.CustomerID)
	if err != nil {
		return nil, server.mapToGRPCError(err)
	}
	classID, err := booking.NewClassID(request.ClassID)
	if err != nil {
		return nil, server.mapToGRPCError(err)
	}
	ctx = withContact(ctx, request.ContactFields)
	if operationError := server.bookingService.Cancel(ctx, customerID, classID); operationError != nil {
		return nil, server.mapToGRPCError(operationError)
	}
	return &bookingrpc.CancelResponse{}, nil
}

func (server *BookingServiceServer) GrantCredits(ctx context.Context, request *bookingrpc.GrantCreditsRequest) (*bookingrpc.BatchView, error) {
	customerID, err := booking.NewCustomerID(request.CustomerID)
	if err != nil {
		return nil, server.mapToGRPCError(err)
	}
	reference, err := booking.NewPaymentReference(request.PaymentReference)
	if err != nil {
		return nil, server.mapToGRPCError(err)
	}
	batch, operationError := server.bookingService.GrantCredits(ctx, customerID, request.Credits, reference)
	if operationError != nil {
		return nil, server.mapToGRPCError(operationError)
	}
	view := bookingrpc.NewBatchView(batch)
	return &view, nil
}

func (server *BookingServiceServer) GetBalance(ctx context.Context, request *bookingrpc.CustomerRequest) (*bookingrpc.BalanceView, error) {
	customerID, err := booking.NewCustomerID(request.CustomerID)
	if err != nil {
		return nil, server.mapToGRPCError(err)
	}
	balance, operationError := server.bookingService.Balance(ctx, customerID)
	if operationError != nil {
		return nil, server.mapToGRPCError(operationError)
	}
	view := bookingrpc.NewBalanceView(balance)
	return &view, nil
}

func (server *BookingServiceServer) ListCreditEntries(ctx context.Context, request *bookingrpc.ListCreditEntriesRequest) (*bookingrpc.CreditEntriesView, error) {
	customerID, err := booking.NewCustomerID(request.CustomerID)
	if err != nil {
		return nil, server.mapToGRPCError(err)
	}
	var before time.Time
	if request.Before != nil {
		before = request.Before.UTC()
	}
	entries, operationError := server.bookingService.ListCreditEntries(ctx, customerID, before, request.Limit)
	if operationError != nil {
		return nil, server.mapToGRPCError(operationError)
	}
	view := bookingrpc.NewCreditEntriesView(entries)
	return &view, nil
}

func (server *BookingServiceServer) CreateClass(ctx context.Context, request *bookingrpc.CreateClassRequest) (*bookingrpc.ClassView, error) {
	class, operationError := server.bookingService.CreateClass(ctx, booking.ClassInput{
		Title:       request.Title,
		Description: request.Description,
		Instructor:  request.Instructor,
		StartTime:   request.StartTime,
		EndTime:     request.EndTime,
		Capacity:    request.Capacity,
	})
	if operationError != nil {
		return nil, server.mapToGRPCError(operationError)
	}
	view := bookingrpc.NewClassView(class)
	return &view, nil
}

func (server *BookingServiceServer) ListUpcomingClasses(ctx context.Context, _ *bookingrpc.ListUpcomingClassesRequest) (*bookingrpc.ClassListView, error) {
	classes, operationError := server.bookingService.UpcomingClasses(ctx)
	if operationError != nil {
		return nil, server.mapToGRPCError(operationError)
	}
	view := bookingrpc.NewClassListView(classes)
	return &view, nil
}

func (server *BookingServiceServer) GetClassRoster(ctx context.Context, request *bookingrpc.ClassRequest) (*bookingrpc.ClassRosterView, error) {
	classID, err := booking.NewClassID(request.ClassID)
	if err != nil {
		return nil, server.mapToGRPCError(err)
	}
	class, bookings, operationError := server.bookingService.ClassRoster(ctx, classID)
	if operationError != nil {
		return nil, server.mapToGRPCError(operationError)
	}
	return &bookingrpc.ClassRosterView{
		Class:    bookingrpc.NewClassView(class),
		Bookings: bookingrpc.NewBookingListView(bookings).Bookings,
	}, nil
}

func (server *BookingServiceServer) ListCustomerBookings(ctx context.Context, request *bookingrpc.CustomerRequest) (*bookingrpc.BookingListView, error) {
	customerID, err := booking.NewCustomerID(request.CustomerID)
	if err != nil {
		return nil, server.mapToGRPCError(err)
	}
	bookings, operationError := server.bookingService.CustomerBookings(ctx, customerID)
	if operationError != nil {
		return nil, server.mapToGRPCError(operationError)
	}
	view := bookingrpc.NewBookingListView(bookings)
	return &view, nil
}

func (server *BookingServiceServer) ListCustomers(ctx context.Context, request *bookingrpc.CustomerSearchRequest) (*bookingrpc.CustomerSummaryListView, error) {
	summaries, operationError := server.bookingService.CustomerSummaries(ctx, request.Search)
	if operationError != nil {
		return nil, server.mapToGRPCError(operationError)
	}
	view := bookingrpc.NewCustomerSummaryListView(summaries)
	return &view, nil
}

func withContact(ctx context.Context, fields bookingrpc.ContactFields) context.Context {
	if fields.ContactEmail == "" {
		return ctx
	}
	return booking.ContextWithContact(ctx, booking.Contact{Email: fields.ContactEmail, Name: fields.ContactName})
}

var errorMappings = []struct {
	source  error
	code    codes.Code
	message string
}{
	{booking.ErrInvalidCustomerID, codes.InvalidArgument, ErrorInvalidCustomerID},
	{booking.ErrInvalidClassID, codes.InvalidArgument, ErrorInvalidClassID},
	{booking.ErrInvalidPaymentReference, codes.InvalidArgument, ErrorInvalidPaymentRef},
	{booking.ErrInvalidClass, codes.InvalidArgument, ErrorInvalidClass},
	{booking.ErrInvalidCreditAmount, codes.InvalidArgument, ErrorInvalidCreditAmount},
	{booking.ErrInvalidListLimit, codes.InvalidArgument, ErrorInvalidListLimit},
	{booking.ErrClassNotFound, codes.NotFound, ErrorClassNotFound},
	{booking.ErrBookingNotFound, codes.NotFound, ErrorBookingNotFound},
	{booking.ErrAlreadyBooked, codes.AlreadyExists, ErrorAlreadyBooked},
	{booking.ErrDuplicatePayment, codes.AlreadyExists, ErrorDuplicatePayment},
	{booking.ErrNoCreditsAvailable, codes.FailedPrecondition, ErrorNoCreditsAvailable},
	{booking.ErrClassFull, codes.FailedPrecondition, ErrorClassFull},
	{booking.ErrNoStationAvailable, codes.Aborted, ErrorNoStationAvailable},
}

func (server *BookingServiceServer) mapToGRPCError(source error) error {
	for _, mapping := range errorMappings {
		if errors.Is(source, mapping.source) {
			return status.Error(mapping.code, mapping.message)
		}
	}
	server.logger.Error("booking rpc failed", zap.Error(source))
	return status.Error(codes.Internal, ErrorInternal)
}
