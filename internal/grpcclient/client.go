package grpcclient

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/cyto-check/internal/classifier"
	"github.com/example/cyto-check/internal/logging"
)

// ClassifyMethod is the unary method exposed by the classification gateway.
// Requests and replies are google.protobuf.Struct messages.
const ClassifyMethod = "/cytology.v1.ClassificationService/Classify"

const backendName = "grpc"

// ErrEmptyReply is returned when the gateway reply carries no text field.
var ErrEmptyReply = errors.New("classification reply has no text")

// DialClassifier returns a ready-to-use backend for the classification gateway.
func DialClassifier(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (*Backend, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_classifier", "", err)
		logger.Error("failed to dial classification gateway", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewBackend(conn, logger), conn, nil
}

// Backend implements classifier.Backend over a gRPC connection.
type Backend struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

// NewBackend wraps an existing connection.
func NewBackend(conn grpc.ClientConnInterface, logger *zap.Logger) *Backend {
	return &Backend{conn: conn, logger: logger.Named("grpc_classifier")}
}

// Name identifies the backend in logs and errors.
func (g *Backend) Name() string {
	return backendName
}

// Generate sends {image:{data, mimeType}, instruction, prompt, variant} and
// returns the reply's text field.
func (g *Backend) Generate(ctx context.Context, prompt classifier.Prompt, req *classifier.Request) (string, error) {
	in, err := structpb.NewStruct(map[string]interface{}{
		"image": map[string]interface{}{
			"data":     req.Base64(),
			"mimeType": req.MIMEType(),
		},
		"instruction": prompt.Instruction,
		"prompt":      prompt.Text,
		"variant":     string(req.Variant()),
	})
	if err != nil {
		return "", classifier.Permanent(backendName, err)
	}

	out := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, ClassifyMethod, in, out); err != nil {
		wrapped := logging.NewOperationError("grpcclient.classify", "", err)
		g.logger.Warn("classification call failed", zap.Error(wrapped), zap.String("variant", string(req.Variant())))
		return "", serviceError(err)
	}

	text, ok := out.GetFields()["text"]
	if !ok {
		return "", classifier.Permanent(backendName, ErrEmptyReply)
	}
	return text.GetStringValue(), nil
}

// serviceError maps a gRPC status onto the classifier taxonomy.
// Unavailable is transient, as is any status whose description mentions
// unavailability or overload.
func serviceError(err error) error {
	st, _ := status.FromError(err)
	kind := classifier.KindPermanent
	if st.Code() == codes.Unavailable {
		kind = classifier.KindTransient
	}
	svcErr := &classifier.ServiceError{
		Kind:       kind,
		Backend:    backendName,
		StatusCode: int(st.Code()),
		Status:     st.Code().String(),
		Message:    st.Message(),
		Err:        err,
	}
	return svcErr.Classified()
}
