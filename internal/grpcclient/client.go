package grpcclient

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/medscan/internal/logging"
	"github.com/example/medscan/internal/media"
	"github.com/example/medscan/internal/prediction"
)

// ServiceName is the fully qualified gRPC service of the classifier.
const ServiceName = "medscan.v1.Classifier"

// ClassifyMethod is the full method name of the unary classify call.
const ClassifyMethod = "/" + ServiceName + "/Classify"

// DialClassifier connects to a classifier service and returns a ready
// prediction client. Extra options are appended to the insecure defaults.
func DialClassifier(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (*Classifier, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_classifier", "", err)
		logger.Error("failed to dial classifier", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewClassifier(conn, logger), conn, nil
}

// Classifier implements prediction.Client over gRPC. Messages are
// google.protobuf.Struct values mirroring the HTTP JSON contract.
type Classifier struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

// NewClassifier wraps an existing connection.
func NewClassifier(conn grpc.ClientConnInterface, logger *zap.Logger) *Classifier {
	return &Classifier{conn: conn, logger: logger.Named("prediction_grpc")}
}

func (c *Classifier) Classify(ctx context.Context, img media.Image) (*prediction.Result, error) {
	req, err := EncodeRequest(img)
	if err != nil {
		return nil, prediction.NetworkFailure(err)
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, ClassifyMethod, req, resp); err != nil {
		mapped := fromStatus(err)
		c.logger.Warn("classify call failed", zap.Error(err), zap.String("kind", string(mapped.Kind)))
		return nil, mapped
	}

	result, err := DecodeResult(resp)
	if err != nil {
		return nil, prediction.Malformed(0, err)
	}
	return result, nil
}

func fromStatus(err error) *prediction.Error {
	st, ok := status.FromError(err)
	if !ok {
		return prediction.NetworkFailure(err)
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return prediction.NetworkFailure(err)
	default:
		return prediction.Rejected(0, st.Message())
	}
}

// EncodeRequest builds the request message for img.
func EncodeRequest(img media.Image) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"image":        base64.StdEncoding.EncodeToString(img.Data),
		"content_type": img.ContentType,
		"filename":     img.Name,
	})
}

// DecodeRequest is the inverse of EncodeRequest.
func DecodeRequest(msg *structpb.Struct) (media.Image, error) {
	fields := msg.GetFields()
	data, err := base64.StdEncoding.DecodeString(fields["image"].GetStringValue())
	if err != nil {
		return media.Image{}, fmt.Errorf("decode image: %w", err)
	}
	return media.Image{
		Name:        fields["filename"].GetStringValue(),
		ContentType: fields["content_type"].GetStringValue(),
		Data:        data,
	}, nil
}

// EncodeResult builds the response message for r.
func EncodeResult(r *prediction.Result) (*structpb.Struct, error) {
	fields := map[string]interface{}{
		"class":      r.Label,
		"confidence": r.Confidence,
	}
	if r.Preview != "" {
		fields["preview"] = r.Preview
	}
	if r.Details != nil {
		recs := make([]interface{}, 0, len(r.Details.Recommendations))
		for _, rec := range r.Details.Recommendations {
			recs = append(recs, rec)
		}
		fields["details"] = map[string]interface{}{
			"severity":        r.Details.Severity,
			"recommendations": recs,
		}
	}
	return structpb.NewStruct(fields)
}

// DecodeResult converts a response message, rejecting anything that
// lacks a label or a numeric confidence.
func DecodeResult(msg *structpb.Struct) (*prediction.Result, error) {
	fields := msg.GetFields()

	conf, ok := fields["confidence"].GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return nil, fmt.Errorf("missing numeric confidence")
	}
	result := &prediction.Result{
		Label:      fields["class"].GetStringValue(),
		Confidence: conf.NumberValue,
		Preview:    fields["preview"].GetStringValue(),
	}

	if details := fields["details"].GetStructValue(); details != nil {
		d := &prediction.Details{Severity: details.GetFields()["severity"].GetStringValue()}
		for _, v := range details.GetFields()["recommendations"].GetListValue().GetValues() {
			d.Recommendations = append(d.Recommendations, v.GetStringValue())
		}
		result.Details = d
	}

	if err := result.Validate(); err != nil {
		return nil, err
	}
	return result, nil
}
