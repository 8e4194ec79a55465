package booking

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapErrorFormatsAndUnwraps(test *testing.T) {
	test.Parallel()
	base := errors.New("connection reset")
	wrapped := WrapError("store", "booking", "insert", base)
	if wrapped.Error() != "store.booking.insert: connection reset" {
		test.Fatalf("unexpected message: %s", wrapped.Error())
	}
	if !errors.Is(wrapped, base) {
		test.Fatalf("expected wrapped error to unwrap to base")
	}
	var operationError OperationError
	if !errors.As(wrapped, &operationError) || operationError.Code() != "insert" || operationError.Subject() != "booking" || operationError.Operation() != "store" {
		test.Fatalf("unexpected operation error: %+v", operationError)
	}
	if WrapError("store", "booking", "insert", nil) != nil {
		test.Fatalf("expected nil for nil error")
	}
}

func TestIsBusinessError(test *testing.T) {
	test.Parallel()
	if !IsBusinessError(fmt.Errorf("wrapped: %w", ErrClassFull)) {
		test.Fatalf("expected class full to be a business error")
	}
	if IsBusinessError(WrapError("store", "class", "lock", errors.New("timeout"))) {
		test.Fatalf("store failures are not business errors")
	}
}
