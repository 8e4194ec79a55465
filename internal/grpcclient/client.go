package grpcclient

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/MarkoPoloResearchLab/reformer/internal/bookingrpc"
)

var (
	ErrMissingAddress       = errors.New("booking service address is required")
	errConnectionShutdown   = errors.New("grpc connection shutdown before ready")
	errConnectionNeverReady = errors.New("grpc connection failed to reach ready state")
)

// Config describes how to reach the booking gRPC service.
type Config struct {
	Address     string
	Insecure    bool
	DialOptions []grpc.DialOption
}

// Connection is a ready client connection with a typed booking client.
type Connection struct {
	conn   *grpc.ClientConn
	client *bookingrpc.Client
}

// Dial connects to the booking service and blocks until the connection is ready
// or ctx ends.
func Dial(ctx context.Context, cfg Config) (*Connection, error) {
	address := strings.TrimSpace(cfg.Address)
	if address == "" {
		return nil, ErrMissingAddress
	}
	dialOptions := make([]grpc.DialOption, 0, len(cfg.DialOptions)+1)
	if cfg.Insecure {
		dialOptions = append(dialOptions, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		dialOptions = append(dialOptions, grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	dialOptions = append(dialOptions, cfg.DialOptions...)
	conn, err := grpc.NewClient(address, dialOptions...)
	if err != nil {
		return nil, fmt.Errorf("connect booking service: %w", err)
	}
	conn.Connect()
	if err := waitForClientReady(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("connect booking service: %w", err)
	}
	return &Connection{conn: conn, client: bookingrpc.NewClient(conn)}, nil
}

// Client returns the typed booking client.
func (connection *Connection) Client() *bookingrpc.Client {
	return connection.client
}

// Close closes the underlying connection.
func (connection *Connection) Close() error {
	return connection.conn.Close()
}

func waitForClientReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			return nil
		}
		if state == connectivity.Shutdown {
			return errConnectionShutdown
		}
		if !conn.WaitForStateChange(ctx, state) {
			if err := ctx.Err(); err != nil {
				return err
			}
			return errConnectionNeverReady
		}
	}
}
