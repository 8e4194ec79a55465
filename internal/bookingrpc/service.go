// Package bookingrpc declares the BookingService gRPC contract. Messages travel
// as google.protobuf.Struct values holding the JSON form of the types in this package.
package bookingrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "reformer.booking.v1.BookingService"

const (
	MethodReserve              = "Reserve"
	MethodCancel               = "Cancel"
	MethodGrantCredits         = "GrantCredits"
	MethodGetBalance           = "GetBalance"
	MethodListCreditEntries    = "ListCreditEntries"
	MethodCreateClass          = "CreateClass"
	MethodListUpcomingClasses  = "ListUpcomingClasses"
	MethodGetClassRoster       = "GetClassRoster"
	MethodListCustomerBookings = "ListCustomerBookings"
	MethodListCustomers        = "ListCustomers"

	ErrorInvalidRequest = "invalid_request"
)

// FullMethod returns the gRPC path of method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// BookingServiceServer is the server API for BookingService.
type BookingServiceServer interface {
	Reserve(ctx context.Context, request *ReserveRequest) (*BookingView, error)
	Cancel(ctx context.Context, request *CancelRequest) (*CancelResponse, error)
	GrantCredits(ctx context.Context, request *GrantCreditsRequest) (*BatchView, error)
	GetBalance(ctx context.Context, request *CustomerRequest) (*BalanceView, error)
	ListCreditEntries(ctx context.Context, request *ListCreditEntriesRequest) (*CreditEntriesView, error)
	CreateClass(ctx context.Context, request *CreateClassRequest) (*ClassView, error)
	ListUpcomingClasses(ctx context.Context, request *ListUpcomingClassesRequest) (*ClassListView, error)
	GetClassRoster(ctx context.Context, request *ClassRequest) (*ClassRosterView, error)
	ListCustomerBookings(ctx context.Context, request *CustomerRequest) (*BookingListView, error)
	ListCustomers(ctx context.Context, request *CustomerSearchRequest) (*CustomerSummaryListView, error)
}

// ServiceDesc describes BookingService for grpc.Server registration.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BookingServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodReserve, Handler: unaryHandler(MethodReserve, BookingServiceServer.Reserve)},
		{MethodName: MethodCancel, Handler: unaryHandler(MethodCancel, BookingServiceServer.Cancel)},
		{MethodName: MethodGrantCredits, Handler: unaryHandler(MethodGrantCredits, BookingServiceServer.GrantCredits)},
		{MethodName: MethodGetBalance, Handler: unaryHandler(MethodGetBalance, BookingServiceServer.GetBalance)},
		{MethodName: MethodListCreditEntries, Handler: unaryHandler(MethodListCreditEntries, BookingServiceServer.ListCreditEntries)},
		{MethodName: MethodCreateClass, Handler: unaryHandler(MethodCreateClass, BookingServiceServer.CreateClass)},
		{MethodName: MethodListUpcomingClasses, Handler: unaryHandler(MethodListUpcomingClasses, BookingServiceServer.ListUpcomingClasses)},
		{MethodName: MethodGetClassRoster, Handler: unaryHandler(MethodGetClassRoster, BookingServiceServer.GetClassRoster)},
		{MethodName: MethodListCustomerBookings, Handler: unaryHandler(MethodListCustomerBookings, BookingServiceServer.ListCustomerBookings)},
		{MethodName: MethodListCustomers, Handler: unaryHandler(MethodListCustomers, BookingServiceServer.ListCustomers)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "reformer/booking/v1/booking.proto",
}

// RegisterBookingServiceServer registers server on registrar.
func RegisterBookingServiceServer(registrar grpc.ServiceRegistrar, server BookingServiceServer) {
	registrar.RegisterService(&ServiceDesc, server)
}

func unaryHandler[Request any, Response any](method string, call func(BookingServiceServer, context.Context, *Request) (*Response, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		incoming := new(structpb.Struct)
		if err := decode(incoming); err != nil {
			return nil, err
		}
		request := new(Request)
		if err := FromStruct(incoming, request); err != nil {
			return nil, status.Error(codes.InvalidArgument, ErrorInvalidRequest)
		}
		server := srv.(BookingServiceServer)
		handler := func(ctx context.Context, typed any) (any, error) {
			response, err := call(server, ctx, typed.(*Request))
			if err != nil {
				return nil, err
			}
			encoded, err := ToStruct(response)
			if err != nil {
				return nil, status.Error(codes.Internal, err.Error())
			}
			return encoded, nil
		}
		if interceptor == nil {
			return handler(ctx, request)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
		return interceptor(ctx, request, info, handler)
	}
}

// Client calls BookingService over a client connection.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps conn.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (client *Client) Reserve(ctx context.Context, request ReserveRequest, options ...grpc.CallOption) (BookingView, error) {
	var response BookingView
	err := client.invoke(ctx, MethodReserve, request, &response, options...)
	return response, err
}

func (client *Client) Cancel(ctx context.Context, request CancelRequest, options ...grpc.CallOption) error {
	var response CancelResponse
	return client.invoke(ctx, MethodCancel, request, &response, options...)
}

func (client *Client) GrantCredits(ctx context.Context, request GrantCreditsRequest, options ...grpc.CallOption) (BatchView, error) {
	var response BatchView
	err := client.invoke(ctx, MethodGrantCredits, request, &response, options...)
	return response, err
}

func (client *Client) GetBalance(ctx context.Context, request CustomerRequest, options ...grpc.CallOption) (BalanceView, error) {
	var response BalanceView
	err := client.invoke(ctx, MethodGetBalance, request, &response, options...)
	return response, err
}

func (client *Client) ListCreditEntries(ctx context.Context, request ListCreditEntriesRequest, options ...grpc.CallOption) (CreditEntriesView, error) {
	var response CreditEntriesView
	err := client.invoke(ctx, MethodListCreditEntries, request, &response, options...)
	return response, err
}

func (client *Client) CreateClass(ctx context.Context, request CreateClassRequest, options ...grpc.CallOption) (ClassView, error) {
	var response ClassView
	err := client.invoke(ctx, MethodCreateClass, request, &response, options...)
	return response, err
}

func (client *Client) ListUpcomingClasses(ctx context.Context, options ...grpc.CallOption) (ClassListView, error) {
	var response ClassListView
	err := client.invoke(ctx, MethodListUpcomingClasses, ListUpcomingClassesRequest{}, &response, options...)
	return response, err
}

func (client *Client) GetClassRoster(ctx context.Context, request ClassRequest, options ...grpc.CallOption) (ClassRosterView, error) {
	var response ClassRosterView
	err := client.invoke(ctx, MethodGetClassRoster, request, &response, options...)
	return response, err
}

func (client *Client) ListCustomerBookings(ctx context.Context, request CustomerRequest, options ...grpc.CallOption) (BookingListView, error) {
	var response BookingListView
	err := client.invoke(ctx, MethodListCustomerBookings, request, &response, options...)
	return response, err
}

func (client *Client) ListCustomers(ctx context.Context, request CustomerSearchRequest, options ...grpc.CallOption) (CustomerSummaryListView, error) {
	var response CustomerSummaryListView
	err := client.invoke(ctx, MethodListCustomers, request, &response, options...)
	return response, err
}

func (client *Client) invoke(ctx context.Context, method string, request any, response any, options ...grpc.CallOption) error {
	outgoing, err := ToStruct(request)
	if err != nil {
		return err
	}
	incoming := new(structpb.Struct)
	if err := client.conn.Invoke(ctx, FullMethod(method), outgoing, incoming, options...); err != nil {
		return err
	}
	return FromStruct(incoming, response)
}
