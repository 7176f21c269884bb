package devserver

import (
	"fmt"
	"net/http"

	"github.com/wippyai/corebridge/coresdk"
	"github.com/wippyai/corebridge/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// MetadataHeaderPrefix prefixes every call metadata key on the wire.
const MetadataHeaderPrefix = "X-Md-"

// RPCPath returns the route of one remote method.
func RPCPath(service, method string) string {
	return "/rpc/" + service + "/" + method
}

// Failure is the body of every failed call.
type Failure struct {
	Message string      `json:"message"`
	Details []byte      `json:"details,omitempty"` // protobuf google.protobuf.Struct
	Code    errors.Code `json:"code"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func failuref(code errors.Code, format string, args ...any) *Failure {
	return &Failure{Code: code, Message: fmt.Sprintf(format, args...)}
}

// withDetails attaches structured details. Values must be representable by
// structpb.NewValue.
func (f *Failure) withDetails(details map[string]any) *Failure {
	s, err := structpb.NewStruct(details)
	if err != nil {
		Logger().Warn("failure details dropped")
		return f
	}
	b, err := proto.Marshal(s)
	if err != nil {
		return f
	}
	f.Details = b
	return f
}

// DecodeDetails parses failure details produced by the server.
func DecodeDetails(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var s structpb.Struct
	if err := proto.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode failure details: %w", err)
	}
	return s.AsMap(), nil
}

func httpStatus(code errors.Code) int {
	switch code {
	case errors.CodeOK:
		return http.StatusOK
	case errors.CodeInvalidArgument, errors.CodeOutOfRange:
		return http.StatusBadRequest
	case errors.CodeNotFound:
		return http.StatusNotFound
	case errors.CodeAlreadyExists, errors.CodeAborted:
		return http.StatusConflict
	case errors.CodePermissionDenied:
		return http.StatusForbidden
	case errors.CodeUnauthenticated:
		return http.StatusUnauthorized
	case errors.CodeFailedPrecondition:
		return http.StatusPreconditionFailed
	case errors.CodeResourceExhausted:
		return http.StatusTooManyRequests
	case errors.CodeUnimplemented:
		return http.StatusNotImplemented
	case errors.CodeUnavailable:
		return http.StatusServiceUnavailable
	case errors.CodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeFailure(w http.ResponseWriter, f *Failure) {
	body, err := coresdk.Marshal(f)
	if err != nil {
		http.Error(w, f.Message, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus(f.Code))
	_, _ = w.Write(body)
}
